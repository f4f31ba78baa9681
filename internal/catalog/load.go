package catalog

import (
	"bytes"
	_ "embed"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	cueerrors "cuelang.org/go/cue/errors"
	"cuelang.org/go/cue/load"
	"gopkg.in/yaml.v3"

	"github.com/roach88/rawlake/internal/content"
)

//go:embed schema.cue
var schemaCUE string

// Options controls catalog loading.
type Options struct {
	// CleanerKnown reports whether a cleaner ID is registered.
	// Nil skips the check.
	CleanerKnown func(string) bool
}

// Load reads a catalog from a YAML file (.yaml/.yml) or a directory of CUE
// files. Any problem is returned as a *LoadError.
func Load(path string, opts Options) (*Catalog, error) {
	info, err := os.Stat(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, &LoadError{Code: ErrCodeNotFound, Message: fmt.Sprintf("catalog not found: %s", path)}
	}
	if err != nil {
		return nil, &LoadError{Code: ErrCodeNotFound, Message: fmt.Sprintf("error accessing catalog: %v", err)}
	}

	var recipes []Recipe
	switch {
	case info.IsDir():
		recipes, err = loadCUEDir(path)
	case strings.HasSuffix(path, ".cue"):
		recipes, err = loadCUEDir(filepath.Dir(path))
	default:
		var data []byte
		data, err = os.ReadFile(path)
		if err != nil {
			return nil, &LoadError{Code: ErrCodeNotFound, Message: fmt.Sprintf("reading catalog: %v", err)}
		}
		recipes, err = parseYAML(data)
	}
	if err != nil {
		return nil, err
	}

	return New(path, recipes, opts.CleanerKnown)
}

// yamlDocument is the on-disk layout of a YAML catalog.
type yamlDocument struct {
	Recipes []rawRecipe `yaml:"recipes"`
}

// rawRecipe mirrors Recipe with an optional header skip so that an absent
// key can mean AutoHeader.
type rawRecipe struct {
	Fingerprint    string    `yaml:"fingerprint,omitempty" json:"fingerprint"`
	Description    string    `yaml:"description,omitempty" json:"description"`
	TargetTable    string    `yaml:"target_table" json:"target_table"`
	Parser         rawParser `yaml:"parser" json:"parser"`
	CleanerID      string    `yaml:"cleaner_id,omitempty" json:"cleaner_id"`
	RequiredFields []string  `yaml:"required_fields,omitempty" json:"required_fields"`
}

type rawParser struct {
	Encoding        string       `yaml:"encoding,omitempty" json:"encoding"`
	Delimiter       string       `yaml:"delimiter,omitempty" json:"delimiter"`
	HeaderSkip      *int         `yaml:"header_skip_count,omitempty" json:"header_skip_count"`
	DeclaredColumns []ColumnSpec `yaml:"declared_columns" json:"declared_columns"`
}

func (r rawRecipe) recipe() Recipe {
	skip := AutoHeader
	if r.Parser.HeaderSkip != nil {
		skip = *r.Parser.HeaderSkip
	}
	return Recipe{
		Fingerprint: r.Fingerprint,
		Description: r.Description,
		TargetTable: r.TargetTable,
		Parser: ParserConfig{
			Encoding:        r.Parser.Encoding,
			Delimiter:       r.Parser.Delimiter,
			HeaderSkip:      skip,
			DeclaredColumns: r.Parser.DeclaredColumns,
		},
		CleanerID:      r.CleanerID,
		RequiredFields: r.RequiredFields,
	}
}

// parseYAML decodes a YAML catalog strictly: unknown keys are errors.
func parseYAML(data []byte) ([]Recipe, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	var doc yamlDocument
	if err := dec.Decode(&doc); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, nil
		}
		return nil, &LoadError{Code: ErrCodeParse, Message: fmt.Sprintf("parsing YAML catalog: %v", err)}
	}

	recipes := make([]Recipe, len(doc.Recipes))
	for i, r := range doc.Recipes {
		recipes[i] = r.recipe()
	}
	return recipes, nil
}

// Digest identifies the recipe by its rendered YAML. Any change that affects
// parsing, cleaning or loading changes it.
func (r Recipe) Digest() string {
	b, err := MarshalYAML([]Recipe{r})
	if err != nil {
		return ""
	}
	return content.HashString(string(b))
}

// MarshalYAML renders recipes in the YAML catalog layout.
func MarshalYAML(recipes []Recipe) ([]byte, error) {
	doc := yamlDocument{Recipes: make([]rawRecipe, len(recipes))}
	for i, r := range recipes {
		raw := rawRecipe{
			Fingerprint: r.Fingerprint,
			Description: r.Description,
			TargetTable: r.TargetTable,
			Parser: rawParser{
				Encoding:        r.Parser.Encoding,
				Delimiter:       r.Parser.Delimiter,
				DeclaredColumns: r.Parser.DeclaredColumns,
			},
			CleanerID:      r.CleanerID,
			RequiredFields: r.RequiredFields,
		}
		if r.Parser.HeaderSkip != AutoHeader {
			skip := r.Parser.HeaderSkip
			raw.Parser.HeaderSkip = &skip
		}
		doc.Recipes[i] = raw
	}
	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(doc); err != nil {
		return nil, fmt.Errorf("encode catalog: %w", err)
	}
	if err := enc.Close(); err != nil {
		return nil, fmt.Errorf("encode catalog: %w", err)
	}
	return buf.Bytes(), nil
}

// loadCUEDir loads every CUE file in dir as one package and decodes the
// top-level "recipe" struct, each field of which must satisfy #Recipe.
//
//	recipe: daily_trades: {
//		target_table: "daily_trades"
//		parser: declared_columns: [{source: "Date", type: "date"}]
//	}
func loadCUEDir(dir string) ([]Recipe, error) {
	files, err := findCUEFiles(dir)
	if err != nil {
		return nil, &LoadError{Code: ErrCodeGeneric, Message: fmt.Sprintf("error scanning directory: %v", err)}
	}
	if len(files) == 0 {
		return nil, &LoadError{Code: ErrCodeNoFiles, Message: fmt.Sprintf("no CUE files found in %s", dir)}
	}

	ctx := cuecontext.New()
	schema := ctx.CompileString(schemaCUE, cue.Filename("schema.cue"))
	if err := schema.Err(); err != nil {
		return nil, &LoadError{Code: ErrCodeBuildFailed, Message: fmt.Sprintf("compiling recipe schema: %v", err)}
	}
	recipeDef := schema.LookupPath(cue.ParsePath("#Recipe"))

	instances := load.Instances([]string{"."}, &load.Config{Dir: dir})
	if len(instances) == 0 {
		return nil, &LoadError{Code: ErrCodeParse, Message: "no CUE instances loaded"}
	}
	inst := instances[0]
	if inst.Err != nil {
		return nil, cueLoadError(ErrCodeParse, "loading CUE files", inst.Err)
	}

	value := ctx.BuildInstance(inst)
	if err := value.Err(); err != nil {
		return nil, cueLoadError(ErrCodeBuildFailed, "building CUE value", err)
	}

	recipesVal := value.LookupPath(cue.ParsePath("recipe"))
	if !recipesVal.Exists() {
		return nil, nil
	}

	iter, err := recipesVal.Fields()
	if err != nil {
		return nil, cueLoadError(ErrCodeBuildFailed, "iterating recipes", err)
	}

	type labeled struct {
		label  string
		recipe Recipe
	}
	var out []labeled
	for iter.Next() {
		label := iter.Selector().String()
		v := recipeDef.Unify(iter.Value())
		if err := v.Validate(cue.Concrete(true)); err != nil {
			return nil, cueLoadError(ErrCodeBuildFailed, "recipe."+label, err)
		}
		var raw rawRecipe
		if err := v.Decode(&raw); err != nil {
			return nil, cueLoadError(ErrCodeParse, "recipe."+label, err)
		}
		out = append(out, labeled{label: label, recipe: raw.recipe()})
	}

	sort.Slice(out, func(i, j int) bool { return out[i].label < out[j].label })
	recipes := make([]Recipe, len(out))
	for i, l := range out {
		recipes[i] = l.recipe
	}
	return recipes, nil
}

func findCUEFiles(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var files []string
	for _, e := range entries {
		if !e.IsDir() && filepath.Ext(e.Name()) == ".cue" {
			files = append(files, filepath.Join(dir, e.Name()))
		}
	}
	return files, nil
}

// cueLoadError converts a CUE error into a LoadError carrying the position
// of the first underlying error.
func cueLoadError(code, context string, err error) *LoadError {
	le := &LoadError{Code: code, Message: fmt.Sprintf("%s: %v", context, err)}
	errs := cueerrors.Errors(err)
	if len(errs) == 0 {
		return le
	}
	if pos := cueerrors.Positions(errs[0]); len(pos) > 0 {
		le.Pos = pos[0]
	}
	return le
}
