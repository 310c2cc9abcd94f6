// Package contexts registers every built-in context.
package contexts

import (
	"fmt"
	"io/fs"

	"github.com/harun/askem/pkg/beaker"
	"github.com/harun/askem/pkg/contexts/dataset"
	"github.com/harun/askem/pkg/contexts/mira"
	"github.com/harun/askem/pkg/contexts/miraedit"
	"github.com/harun/askem/pkg/contexts/modelconfig"
	"github.com/harun/askem/pkg/contexts/pyciemss"
	"github.com/harun/askem/pkg/contexts/pypackage"
	"github.com/harun/askem/pkg/templates"
)

// Factories returns the built-in contexts keyed by slug.
func Factories() map[string]beaker.Factory {
	return map[string]beaker.Factory{
		dataset.Slug:     dataset.Factory(),
		modelconfig.Slug: modelconfig.Factory(),
		mira.Slug:        mira.Factory(),
		miraedit.Slug:    miraedit.Factory(),
		pyciemss.Slug:    pyciemss.Factory(),
		pypackage.Slug:   pypackage.Factory(),
	}
}

// RegisterAll registers the built-in contexts with m.
func RegisterAll(m *beaker.Manager) error {
	for slug, f := range Factories() {
		if err := m.Register(slug, f); err != nil {
			return err
		}
	}
	return nil
}

var procedures = map[string]func() (fs.FS, error){
	dataset.Slug:     dataset.Procedures,
	modelconfig.Slug: modelconfig.Procedures,
	mira.Slug:        mira.Procedures,
	miraedit.Slug:    miraedit.Procedures,
	pyciemss.Slug:    pyciemss.Procedures,
	pypackage.Slug:   pypackage.Procedures,
}

// RegisterProcedures adds every built-in toolset to r so procedures can be
// rendered without an active context.
func RegisterProcedures(r *templates.Registry) error {
	for slug, load := range procedures {
		fsys, err := load()
		if err != nil {
			return fmt.Errorf("procedures for %s: %w", slug, err)
		}
		r.Register(slug, fsys)
	}
	return nil
}
