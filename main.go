package main

import "leadscore/internal/app"

func main() {
	app.Main()
}
