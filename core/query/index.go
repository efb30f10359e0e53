package query

import (
	"github.com/FocuswithJustin/Bramble/core/db"
	"github.com/FocuswithJustin/Bramble/core/defaults"
	"github.com/FocuswithJustin/Bramble/core/errors"
	"github.com/FocuswithJustin/Bramble/core/logging"
)

// ValueIndexConfiguration describes a value index over one or more property
// paths.
type ValueIndexConfiguration struct {
	// Expressions are property paths ("name", "address.city").
	Expressions []string
}

// FullTextIndexConfiguration describes a full-text index. Creation is not
// supported; the type exists so configurations validate and round-trip.
type FullTextIndexConfiguration struct {
	// Expressions are property paths to index.
	Expressions []string

	// Language is the dominant language, as an ISO-639 code.
	Language string

	// IgnoreAccents strips accents before indexing.
	IgnoreAccents bool
}

// NewFullTextIndexConfiguration fills defaults for a full-text index over the
// given paths.
func NewFullTextIndexConfiguration(expressions ...string) FullTextIndexConfiguration {
	return FullTextIndexConfiguration{
		Expressions:   expressions,
		Language:      "en",
		IgnoreAccents: defaults.FullTextIndexIgnoreAccents,
	}
}

// CreateValueIndex creates a value index on the collection.
func CreateValueIndex(col *db.Collection, name string, config ValueIndexConfiguration) error {
	if len(config.Expressions) == 0 {
		return errors.NewValidation("expressions", "at least one property path is required")
	}
	exprs := make([]string, 0, len(config.Expressions))
	for _, e := range config.Expressions {
		path, err := parsePath("expressions", e)
		if err != nil {
			return err
		}
		exprs = append(exprs, pathSQL(path))
	}
	if err := col.CreateIndex(name, exprs); err != nil {
		return err
	}
	logging.Info(logging.DomainQuery, "created value index %s on %s", name, col.FullName())
	return nil
}

// CreateFullTextIndex always fails: full-text search requires an FTS engine
// this build does not carry.
func CreateFullTextIndex(col *db.Collection, name string, config FullTextIndexConfiguration) error {
	return errors.NewUnsupported("full-text indexes", "no FTS engine in this build")
}

// DeleteIndex removes an index from the collection.
func DeleteIndex(col *db.Collection, name string) error {
	return col.DeleteIndex(name)
}

// Indexes returns the names of the collection's indexes.
func Indexes(col *db.Collection) ([]string, error) {
	return col.IndexNames()
}
