package registry

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/naslab/middled/internal/errors"
	"github.com/naslab/middled/internal/schema"
)

// Service contributes methods to the registry. The concrete kinds below
// synthesize the conventional method sets; PlainService is the escape hatch.
type Service interface {
	ServiceName() string
	Methods() []*Method
}

// PlainService is an arbitrary set of explicitly declared methods.
type PlainService struct {
	Name    string
	Declare []*Method
}

func (s *PlainService) ServiceName() string { return s.Name }
func (s *PlainService) Methods() []*Method  { return s.Declare }

// ConfigService is a singleton configuration document. It synthesizes
// <name>.config and <name>.update; update is a merge of the patch over the
// current document followed by full validation.
type ConfigService struct {
	Name       string
	Schema     *schema.Schema
	ReadRoles  []string
	WriteRoles []string

	Get   func(ctx context.Context) (map[string]any, error)
	Store func(ctx context.Context, merged map[string]any) error

	// Extra methods; an entry with a synthesized name replaces the synthesis.
	Extra []*Method
}

func (s *ConfigService) ServiceName() string { return s.Name }

func (s *ConfigService) Methods() []*Method {
	synthesized := []*Method{
		{
			Name:        s.Name + ".config",
			Description: "Return the current " + s.Name + " configuration.",
			Result:      s.Schema,
			Roles:       s.ReadRoles,
			Func: func(ctx context.Context, call *Call) (any, error) {
				return s.Get(ctx)
			},
		},
		{
			Name:        s.Name + ".update",
			Description: "Update " + s.Name + " configuration fields.",
			Args:        s.Schema.Partial(),
			Result:      s.Schema,
			Roles:       s.WriteRoles,
			Audit:       "Update " + s.Name + " configuration",
			Func: func(ctx context.Context, call *Call) (any, error) {
				current, err := s.Get(ctx)
				if err != nil {
					return nil, err
				}
				merged, err := schema.MergeForUpdate(s.Schema, current, call.Args)
				if err != nil {
					return nil, err
				}
				doc := merged.(map[string]any)
				if err := s.Store(ctx, doc); err != nil {
					return nil, err
				}
				return doc, nil
			},
		},
	}
	return overrideMethods(synthesized, s.Extra)
}

// CRUDService manages a homogeneous collection of entities identified by an
// "id" field. It synthesizes query/create/update/delete/get_instance.
type CRUDService struct {
	Name       string
	Entity     *schema.Schema // object schema; must include the id field
	IDField    string         // defaults to "id"
	ReadRoles  []string
	WriteRoles []string

	List   func(ctx context.Context) ([]map[string]any, error)
	Create func(ctx context.Context, data map[string]any) (map[string]any, error)
	Update func(ctx context.Context, id any, data map[string]any) (map[string]any, error)
	Delete func(ctx context.Context, id any) error

	Extra []*Method
}

func (s *CRUDService) ServiceName() string { return s.Name }

func (s *CRUDService) idField() string {
	if s.IDField != "" {
		return s.IDField
	}
	return "id"
}

func (s *CRUDService) Methods() []*Method {
	entityName := strings.TrimSuffix(s.Name, "s")
	queryArgs := schema.Object(
		schema.F("filters", schema.List(schema.List(schema.Any()))).Def([]any{}),
		schema.F("options", schema.Object(
			schema.F("limit", schema.Int()).Def(int64(0)),
			schema.F("offset", schema.Int()).Def(int64(0)),
			schema.F("order_by", schema.Text()).Def(""),
			schema.F("count", schema.Bool()).Def(false),
		)).Def(map[string]any{}),
	)
	updateArgs := schema.Object(
		schema.F("id", schema.Any()).Req(),
		schema.F("data", s.Entity.Partial()).Req(),
	)
	idArgs := schema.Object(schema.F("id", schema.Any()).Req())

	synthesized := []*Method{
		{
			Name:        s.Name + ".query",
			Description: "Query " + s.Name + " with optional filters and options.",
			Args:        queryArgs,
			Roles:       s.ReadRoles,
			Func: func(ctx context.Context, call *Call) (any, error) {
				rows, err := s.List(ctx)
				if err != nil {
					return nil, err
				}
				args := call.ArgsMap()
				filters, _ := args["filters"].([]any)
				options, _ := args["options"].(map[string]any)
				return applyQuery(rows, filters, options)
			},
		},
		{
			Name:        s.Name + ".create",
			Description: "Create a new " + entityName + ".",
			Args:        s.Entity,
			Result:      s.Entity,
			Roles:       s.WriteRoles,
			Audit:       "Create " + entityName,
			Func: func(ctx context.Context, call *Call) (any, error) {
				return s.Create(ctx, call.ArgsMap())
			},
		},
		{
			Name:        s.Name + ".update",
			Description: "Update an existing " + entityName + ".",
			Args:        updateArgs,
			Result:      s.Entity,
			Roles:       s.WriteRoles,
			Audit:       "Update " + entityName + " {id}",
			Func: func(ctx context.Context, call *Call) (any, error) {
				args := call.ArgsMap()
				data, _ := args["data"].(map[string]any)
				current, err := s.instance(ctx, args["id"])
				if err != nil {
					return nil, err
				}
				merged, err := schema.MergeForUpdate(s.Entity, current, data)
				if err != nil {
					return nil, err
				}
				return s.Update(ctx, args["id"], merged.(map[string]any))
			},
		},
		{
			Name:        s.Name + ".delete",
			Description: "Delete a " + entityName + ".",
			Args:        idArgs,
			Roles:       s.WriteRoles,
			Audit:       "Delete " + entityName + " {id}",
			Func: func(ctx context.Context, call *Call) (any, error) {
				if _, err := s.instance(ctx, call.ArgsMap()["id"]); err != nil {
					return nil, err
				}
				return true, s.Delete(ctx, call.ArgsMap()["id"])
			},
		},
		{
			Name:        s.Name + ".get_instance",
			Description: "Return one " + entityName + " by id.",
			Args:        idArgs,
			Result:      s.Entity,
			Roles:       s.ReadRoles,
			Func: func(ctx context.Context, call *Call) (any, error) {
				return s.instance(ctx, call.ArgsMap()["id"])
			},
		},
	}
	return overrideMethods(synthesized, s.Extra)
}

func (s *CRUDService) instance(ctx context.Context, id any) (map[string]any, error) {
	rows, err := s.List(ctx)
	if err != nil {
		return nil, err
	}
	for _, row := range rows {
		if scalarEqual(row[s.idField()], id) {
			return row, nil
		}
	}
	return nil, errors.NotFound(fmt.Sprintf("%s %v", strings.TrimSuffix(s.Name, "s"), id))
}

// SystemService is a controllable long-running service. It contributes no
// methods of its own beyond Extra; lifecycle is driven through the unified
// service.control method, which resolves services by name via the registry.
type SystemService struct {
	Name string

	Start   func(ctx context.Context) error
	Stop    func(ctx context.Context) error
	Restart func(ctx context.Context) error
	Reload  func(ctx context.Context) error
	Running func(ctx context.Context) bool

	Extra []*Method
}

func (s *SystemService) ServiceName() string { return s.Name }
func (s *SystemService) Methods() []*Method  { return s.Extra }

// Control dispatches one lifecycle verb. Restart and reload fall back to
// stop+start when the service does not implement them natively.
func (s *SystemService) Control(ctx context.Context, verb string) error {
	switch verb {
	case "start":
		return s.Start(ctx)
	case "stop":
		return s.Stop(ctx)
	case "restart":
		if s.Restart != nil {
			return s.Restart(ctx)
		}
		if err := s.Stop(ctx); err != nil {
			return err
		}
		return s.Start(ctx)
	case "reload":
		if s.Reload != nil {
			return s.Reload(ctx)
		}
		return s.Control(ctx, "restart")
	default:
		return errors.NotSupported("service verb " + verb)
	}
}

// overrideMethods merges extra methods over synthesized ones; an extra method
// with the same qualified name wins.
func overrideMethods(synthesized, extra []*Method) []*Method {
	if len(extra) == 0 {
		return synthesized
	}
	byName := make(map[string]int, len(synthesized))
	for i, m := range synthesized {
		byName[m.Name] = i
	}
	out := append([]*Method(nil), synthesized...)
	for _, m := range extra {
		if i, ok := byName[m.Name]; ok {
			out[i] = m
		} else {
			out = append(out, m)
		}
	}
	return out
}

// applyQuery evaluates query-style filters and options over in-memory rows.
// Filters are [field, op, value] triples combined with AND.
func applyQuery(rows []map[string]any, filters []any, options map[string]any) (any, error) {
	out := make([]map[string]any, 0, len(rows))
	for _, row := range rows {
		keep := true
		for _, raw := range filters {
			triple, ok := raw.([]any)
			if !ok || len(triple) != 3 {
				verrs := &errors.Validation{}
				verrs.Add("filters", "each filter must be a [field, op, value] triple", "filter")
				return nil, verrs
			}
			field, _ := triple[0].(string)
			op, _ := triple[1].(string)
			match, err := matchFilter(row[field], op, triple[2])
			if err != nil {
				return nil, err
			}
			if !match {
				keep = false
				break
			}
		}
		if keep {
			out = append(out, row)
		}
	}

	if orderBy, _ := options["order_by"].(string); orderBy != "" {
		desc := strings.HasPrefix(orderBy, "-")
		key := strings.TrimPrefix(orderBy, "-")
		sort.SliceStable(out, func(i, j int) bool {
			less := compareScalars(out[i][key], out[j][key]) < 0
			if desc {
				return !less
			}
			return less
		})
	}

	if count, _ := options["count"].(bool); count {
		return int64(len(out)), nil
	}

	offset := intOption(options, "offset")
	if offset > int64(len(out)) {
		offset = int64(len(out))
	}
	out = out[offset:]
	if limit := intOption(options, "limit"); limit > 0 && limit < int64(len(out)) {
		out = out[:limit]
	}
	return out, nil
}

func matchFilter(have any, op string, want any) (bool, error) {
	switch op {
	case "=":
		return scalarEqual(have, want), nil
	case "!=":
		return !scalarEqual(have, want), nil
	case ">", ">=", "<", "<=":
		cmp := compareScalars(have, want)
		switch op {
		case ">":
			return cmp > 0, nil
		case ">=":
			return cmp >= 0, nil
		case "<":
			return cmp < 0, nil
		default:
			return cmp <= 0, nil
		}
	case "in":
		list, ok := want.([]any)
		if !ok {
			verrs := &errors.Validation{}
			verrs.Add("filters", `"in" filter value must be a list`, "filter")
			return false, verrs
		}
		for _, candidate := range list {
			if scalarEqual(have, candidate) {
				return true, nil
			}
		}
		return false, nil
	default:
		verrs := &errors.Validation{}
		verrs.Add("filters", "unknown filter operator "+op, "filter")
		return false, verrs
	}
}

// scalarEqual compares values after normalizing the numeric types JSON
// decoding produces.
func scalarEqual(a, b any) bool {
	if af, aok := asFloat(a); aok {
		bf, bok := asFloat(b)
		return bok && af == bf
	}
	return a == b
}

func compareScalars(a, b any) int {
	if af, aok := asFloat(a); aok {
		if bf, bok := asFloat(b); bok {
			switch {
			case af < bf:
				return -1
			case af > bf:
				return 1
			}
			return 0
		}
	}
	as, _ := a.(string)
	bs, _ := b.(string)
	return strings.Compare(as, bs)
}

func asFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case float64:
		return n, true
	}
	return 0, false
}

func intOption(options map[string]any, key string) int64 {
	switch v := options[key].(type) {
	case int64:
		return v
	case float64:
		return int64(v)
	case int:
		return int64(v)
	}
	return 0
}
