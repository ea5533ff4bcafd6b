package parity

import (
	"bytes"
	"context"
	_ "embed"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"gopkg.in/yaml.v3"
)

const catalogSchemaURL = "https://schemas.nooterra.dev/parity/catalog.v1.json"

//go:embed catalog.schema.json
var catalogSchemaJSON string

//go:embed operations.yaml
var defaultCatalogYAML []byte

// Catalog is a validated set of operation templates keyed by operationId.
type Catalog struct {
	Version string
	ops     map[string]Operation
	order   []string
}

type catalogDoc struct {
	Version    string      `yaml:"version"`
	Operations []Operation `yaml:"operations"`
}

func compileCatalogSchema() (*jsonschema.Schema, error) {
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	if err := c.AddResource(catalogSchemaURL, strings.NewReader(catalogSchemaJSON)); err != nil {
		return nil, fmt.Errorf("parity: catalog schema resource: %w", err)
	}
	return c.Compile(catalogSchemaURL)
}

// LoadCatalog reads a YAML or JSON catalog and validates it against the
// catalog schema. Operation ids must be unique.
func LoadCatalog(r io.Reader) (*Catalog, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("parity: read catalog: %w", err)
	}

	var parsed any
	if err := yaml.Unmarshal(data, &parsed); err != nil {
		return nil, fmt.Errorf("parity: parse catalog: %w", err)
	}
	// The validator only understands JSON-decoded values.
	asJSON, err := json.Marshal(parsed)
	if err != nil {
		return nil, fmt.Errorf("parity: parse catalog: %w", err)
	}
	dec := json.NewDecoder(bytes.NewReader(asJSON))
	dec.UseNumber()
	var generic any
	if err := dec.Decode(&generic); err != nil {
		return nil, fmt.Errorf("parity: parse catalog: %w", err)
	}
	schema, err := compileCatalogSchema()
	if err != nil {
		return nil, err
	}
	if err := schema.Validate(generic); err != nil {
		return nil, fmt.Errorf("parity: catalog invalid: %w", err)
	}

	var doc catalogDoc
	if err := yaml.NewDecoder(bytes.NewReader(data)).Decode(&doc); err != nil {
		return nil, fmt.Errorf("parity: decode catalog: %w", err)
	}

	cat := &Catalog{Version: doc.Version, ops: make(map[string]Operation, len(doc.Operations))}
	for _, op := range doc.Operations {
		id := strings.TrimSpace(op.OperationID)
		if _, dup := cat.ops[id]; dup {
			return nil, fmt.Errorf("parity: duplicate operationId %q in catalog", id)
		}
		op.OperationID = id
		cat.ops[id] = op
		cat.order = append(cat.order, id)
	}
	return cat, nil
}

// LoadCatalogFile loads a catalog from disk.
func LoadCatalogFile(path string) (*Catalog, error) {
	f, err := os.Open(path) //nolint:gosec // operator-supplied catalog path
	if err != nil {
		return nil, fmt.Errorf("parity: open catalog: %w", err)
	}
	defer func() { _ = f.Close() }()
	return LoadCatalog(f)
}

// DefaultCatalog returns the built-in catalog of platform operations.
func DefaultCatalog() (*Catalog, error) {
	return LoadCatalog(bytes.NewReader(defaultCatalogYAML))
}

// Lookup returns the template for id.
func (c *Catalog) Lookup(id string) (Operation, bool) {
	op, ok := c.ops[strings.TrimSpace(id)]
	return op, ok
}

// Operations returns the templates in file order.
func (c *Catalog) Operations() []Operation {
	out := make([]Operation, 0, len(c.order))
	for _, id := range c.order {
		out = append(out, c.ops[id])
	}
	return out
}

// Invoke looks up id and invokes it through a. An unknown id fails with
// OPERATION_INVALID.
func (c *Catalog) Invoke(ctx context.Context, a *Adapter, id string, payload any, opts InvokeOptions) (*Result, error) {
	op, ok := c.Lookup(id)
	if !ok {
		return nil, a.invalid(KindOperationInvalid, fmt.Sprintf("operation %s is not in the catalog", id), id, strings.TrimSpace(opts.IdempotencyKey), nil)
	}
	return a.Invoke(ctx, op, payload, opts)
}
