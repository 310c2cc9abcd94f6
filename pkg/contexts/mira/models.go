package mira

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/harun/askem/internal/tracing"
	"github.com/harun/askem/pkg/beaker"
)

// amrSchemas maps an AMR schema name to its MIRA exporter module. Unknown
// schemas export as petrinet.
var amrSchemas = map[string]bool{"petrinet": true, "regnet": true, "stockflow": true}

// ModelRef names an HMI model to load into a kernel variable.
type ModelRef struct {
	Name    string `json:"name"`
	ModelID string `json:"model_id"`
}

// ParseModelRefs reads {"models": [{"name": ..., "model_id": ...}]}.
func ParseModelRefs(info map[string]any) ([]ModelRef, error) {
	raw, _ := info["models"].([]any)
	refs := make([]ModelRef, 0, len(raw))
	for i, item := range raw {
		m, ok := item.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("models[%d] must be an object", i)
		}
		name, _ := m["name"].(string)
		id, _ := m["model_id"].(string)
		if name == "" || id == "" {
			return nil, fmt.Errorf("models[%d] needs both name and model_id", i)
		}
		if err := beaker.VariableName(name); err != nil {
			return nil, fmt.Errorf("models[%d]: %w", i, err)
		}
		refs = append(refs, ModelRef{Name: name, ModelID: id})
	}
	return refs, nil
}

// Models loads AMRs into the kernel as MIRA template models and writes them
// back to the HMI. It is shared by the MIRA contexts.
type Models struct {
	base *beaker.BaseContext
	now  func() time.Time

	mu    sync.Mutex
	amrs  map[string]map[string]any
	order []string
}

// NewModels binds model loading to b.
func NewModels(b *beaker.BaseContext) *Models {
	b.AddProcedures(Slug, procedures)
	return &Models{
		base: b,
		now:  time.Now,
		amrs: make(map[string]map[string]any),
	}
}

// SetClock replaces the clock used for description timestamps.
func (m *Models) SetClock(now func() time.Time) {
	m.now = now
}

// Load fetches every model concurrently and then loads them into the kernel
// in the given order.
func (m *Models) Load(ctx context.Context, refs []ModelRef) error {
	amrs := make([]map[string]any, len(refs))
	g, gctx := errgroup.WithContext(ctx)
	for i, ref := range refs {
		g.Go(func() error {
			amr, err := m.base.HMI().GetModel(gctx, ref.ModelID)
			if err != nil {
				return fmt.Errorf("failed to fetch model %s: %w", ref.ModelID, err)
			}
			amrs[i] = amr
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	setup, err := m.base.GetToolsetCode(Slug, "mira_setup", nil)
	if err != nil {
		return err
	}
	logger := tracing.LoggerFromContext(ctx, m.base.Logger())
	for i, ref := range refs {
		raw, err := json.Marshal(amrs[i])
		if err != nil {
			return err
		}
		load, err := m.base.GetToolsetCode(Slug, "load_mira_model", map[string]any{
			"var_name": ref.Name,
			"amr_json": string(raw),
		})
		if err != nil {
			return err
		}
		if _, err := m.base.ExecuteChecked(ctx, setup+"\n"+load); err != nil {
			return fmt.Errorf("failed to load model %s into %s: %w", ref.ModelID, ref.Name, err)
		}

		m.mu.Lock()
		if _, seen := m.amrs[ref.Name]; !seen {
			m.order = append(m.order, ref.Name)
		}
		m.amrs[ref.Name] = amrs[i]
		m.mu.Unlock()
		logger.Info().Str("model", ref.ModelID).Str("variable", ref.Name).Msg("Model loaded")
	}
	return nil
}

// Names returns the loaded variables in load order.
func (m *Models) Names() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.order...)
}

// AMR returns the AMR a variable was loaded from.
func (m *Models) AMR(name string) (map[string]any, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	amr, ok := m.amrs[name]
	return amr, ok
}

// SchemaName returns the AMR schema of amr, reading the legacy top-level
// field when the header has none.
func SchemaName(amr map[string]any) string {
	if header, ok := amr["header"].(map[string]any); ok {
		if s, _ := header["schema_name"].(string); s != "" {
			return s
		}
	}
	s, _ := amr["schema_name"].(string)
	return s
}

// Unload evaluates the AMR JSON of a template model variable in the given
// schema.
func (m *Models) Unload(ctx context.Context, varName, schema string) (map[string]any, error) {
	if err := beaker.VariableName(varName); err != nil {
		return nil, err
	}
	if !amrSchemas[schema] {
		schema = "petrinet"
	}
	code, err := m.base.GetToolsetCode(Slug, "unload_model", map[string]any{"var_name": varName, "schema": schema})
	if err != nil {
		return nil, err
	}
	v, err := m.base.Evaluate(ctx, code)
	if err != nil {
		return nil, fmt.Errorf("failed to export %s: %w", varName, err)
	}
	amr, ok := v.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("failed to export %s: unexpected %T", varName, v)
	}
	return amr, nil
}

// SaveAMR handles save_amr {name, model_var, project_id?}: the model in
// model_var is exported in its original schema and stored as a new HMI model.
func (m *Models) SaveAMR(ctx context.Context, msg beaker.Message) (any, error) {
	newName := msg.String("name")
	modelVar := msg.String("model_var")
	original, ok := m.AMR(modelVar)
	if !ok {
		return nil, fmt.Errorf("no model loaded as %q", modelVar)
	}

	model, err := m.Unload(ctx, modelVar, SchemaName(original))
	if err != nil {
		return nil, err
	}

	originalID, _ := original["id"].(string)
	m.rename(model, newName, originalID)

	id, err := m.base.HMI().CreateModel(ctx, model)
	if err != nil {
		return nil, fmt.Errorf("failed to put new model: %w", err)
	}
	if projectID := msg.String("project_id"); projectID != "" {
		if err := m.base.HMI().AddProjectAsset(ctx, projectID, "model", id); err != nil {
			return nil, fmt.Errorf("failed to add to project id %s: %s: %w", projectID, id, err)
		}
	}
	logger := tracing.LoggerFromContext(ctx, m.base.Logger())
	logger.Info().
		Str("model", id).Str("variable", modelVar).Msg("Model saved")
	return map[string]any{"model_id": id}, nil
}

// rename sets the name of an exported model and records where it came from
// in its description.
func (m *Models) rename(model map[string]any, newName, originalID string) {
	fields := model
	if header, ok := model["header"].(map[string]any); ok {
		fields = header
	}
	originalName := "None"
	if s, ok := fields["name"].(string); ok && s != "" {
		originalName = s
	}
	description, _ := fields["description"].(string)
	fields["name"] = newName
	fields["description"] = description + fmt.Sprintf("\nTransformed from model '%s' (%s) at %s",
		originalName, originalID, m.now().UTC().Format("Mon Jan _2 15:04:05 2006 MST"))
}
