package sqlite

import (
	"database/sql"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

type seedFile struct {
	Companies []Company `yaml:"companies"`
}

// LoadCompanySeed reads a YAML file of the form
//
//	companies:
//	  - name: Acme Pay
//	    description: ...
func LoadCompanySeed(path string) ([]Company, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading company seed %s: %w", path, err)
	}
	var seed seedFile
	if err := yaml.Unmarshal(data, &seed); err != nil {
		return nil, fmt.Errorf("parsing company seed %s: %w", path, err)
	}
	return seed.Companies, nil
}

// ImportCompanySeed loads the seed file and inserts companies not already
// stored.
func ImportCompanySeed(db *sql.DB, path string) (int, error) {
	companies, err := LoadCompanySeed(path)
	if err != nil {
		return 0, err
	}
	return InsertCompanies(db, companies)
}
