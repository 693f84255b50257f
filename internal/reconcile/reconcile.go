// Package reconcile decides what to do with each incoming ERP record. It
// performs no I/O: callers hand it a lookup over local entities and persist
// the returned actions themselves.
package reconcile

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"strings"

	"erpsync/internal/erp"
)

// ActionKind is the decision for one record.
type ActionKind int

const (
	Insert ActionKind = iota
	Update
	Skip
	// Defer means the record's parent is not known yet.
	Defer
)

func (k ActionKind) String() string {
	switch k {
	case Insert:
		return "insert"
	case Update:
		return "update"
	case Skip:
		return "skip"
	case Defer:
		return "defer"
	default:
		return "unknown"
	}
}

// Match keys, in resolution order.
const (
	MatchExternalID = "external_id"
	MatchArticle    = "article"
	MatchCode       = "code"
)

// ErrNoIdentity is returned for records without an external id.
var ErrNoIdentity = errors.New("record has no external id")

// InheritedKeys are copied from the parent when a variant lacks them.
var InheritedKeys = []string{erp.AttrSection, erp.AttrBrand, erp.AttrCategory, erp.AttrUnit, erp.AttrCountry}

// Entity is the local view of a catalog row.
type Entity struct {
	ID               uint
	ExternalID       string
	ExternalCode     string
	ParentExternalID string
	Name             string
	Active           bool
	Hash             string
	Fields           erp.Attributes
}

// Article returns the stored vendor article.
func (e Entity) Article() string {
	return e.Fields.String(erp.AttrArticle)
}

// Lookup finds local entities by each identity key.
type Lookup interface {
	ByExternalID(id string) (Entity, bool)
	ByArticle(article string) (Entity, bool)
	ByCode(code string) (Entity, bool)
}

// Action is the outcome for one record.
type Action struct {
	Kind      ActionKind
	Record    erp.Record
	TargetID  uint
	MatchedBy string
	Name      string
	Merged    erp.Attributes
	Active    bool
	Hash      string
}

// Reconcile resolves rec against idx.
//
// Identity: external id first; records without a parent then fall back to
// article and then external code, and only adopt a local row that is not yet
// linked to any external id. Variants match by their own external id only and
// are deferred while their parent is unknown.
func Reconcile(rec erp.Record, idx Lookup) (Action, error) {
	if strings.TrimSpace(rec.ExternalID) == "" {
		return Action{}, ErrNoIdentity
	}

	var parent Entity
	if rec.IsVariant() {
		p, ok := idx.ByExternalID(rec.ParentExternalID)
		if !ok {
			return Action{Kind: Defer, Record: rec}, nil
		}
		parent = p
	}

	existing, matchedBy, found := resolve(rec, idx)

	merged := Merge(existing.Fields, rec.Attributes)
	if rec.IsVariant() {
		inherit(merged, parent.Fields)
	}
	name := rec.Name
	if name == "" {
		name = existing.Name
	}
	if name == "" {
		// the row needs a display name; the hash must cover what is stored
		name = rec.ExternalID
	}
	code := rec.ExternalCode
	if code == "" {
		code = existing.ExternalCode
	}
	active := !merged.Bool(erp.AttrDeleted)
	hash := Hash(name, code, rec.ParentExternalID, merged)

	act := Action{
		Kind:      Insert,
		Record:    rec,
		MatchedBy: matchedBy,
		Name:      name,
		Merged:    merged,
		Active:    active,
		Hash:      hash,
	}
	if !found {
		return act, nil
	}

	act.TargetID = existing.ID
	act.Kind = Update
	current := Hash(existing.Name, existing.ExternalCode, existing.ParentExternalID, existing.Fields)
	if matchedBy == MatchExternalID && existing.Hash == hash && current == hash && existing.Active == active {
		act.Kind = Skip
	}
	return act, nil
}

func resolve(rec erp.Record, idx Lookup) (Entity, string, bool) {
	if e, ok := idx.ByExternalID(rec.ExternalID); ok {
		return e, MatchExternalID, true
	}
	if rec.IsVariant() {
		return Entity{}, "", false
	}
	if article := rec.Article(); article != "" {
		if e, ok := idx.ByArticle(article); ok && e.ExternalID == "" {
			return e, MatchArticle, true
		}
	}
	if code := strings.TrimSpace(rec.ExternalCode); code != "" {
		if e, ok := idx.ByCode(code); ok && e.ExternalID == "" {
			return e, MatchCode, true
		}
	}
	return Entity{}, "", false
}

// Merge overlays incoming values on local ones. A nil incoming value never
// erases a local value.
func Merge(local, incoming erp.Attributes) erp.Attributes {
	out := make(erp.Attributes, len(local)+len(incoming))
	for k, v := range local {
		out[k] = v
	}
	for k, v := range incoming {
		if v == nil {
			continue
		}
		out[k] = v
	}
	return out
}

func inherit(merged, parent erp.Attributes) {
	for _, key := range InheritedKeys {
		if _, ok := merged[key]; ok {
			continue
		}
		if v, ok := parent[key]; ok && v != nil {
			merged[key] = v
		}
	}
}

// Hash is the canonical digest of a catalog row's synced state. Map keys are
// sorted by encoding/json, so equal states hash equally regardless of the
// order attributes were produced in.
func Hash(name, code, parent string, fields erp.Attributes) string {
	payload, err := json.Marshal(struct {
		Name   string         `json:"n"`
		Code   string         `json:"c"`
		Parent string         `json:"p"`
		Fields erp.Attributes `json:"f"`
	}{name, code, parent, fields})
	if err != nil {
		return ""
	}
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:])
}

// MapIndex is an in-memory Lookup. Controllers load one per batch from the
// store and add each decided record to it, so later records of the same
// batch (variants in particular) see earlier ones.
type MapIndex struct {
	byExternal map[string]Entity
	byArticle  map[string]Entity
	byCode     map[string]Entity
}

func NewMapIndex(entities ...Entity) *MapIndex {
	m := &MapIndex{
		byExternal: make(map[string]Entity),
		byArticle:  make(map[string]Entity),
		byCode:     make(map[string]Entity),
	}
	for _, e := range entities {
		m.Put(e)
	}
	return m
}

// Put adds or replaces an entity under every key it carries.
func (m *MapIndex) Put(e Entity) {
	if e.ExternalID != "" {
		m.byExternal[e.ExternalID] = e
	}
	if a := e.Article(); a != "" {
		m.byArticle[a] = e
	}
	if e.ExternalCode != "" {
		m.byCode[e.ExternalCode] = e
	}
}

// Apply records the effect of an action so later lookups see it.
func (m *MapIndex) Apply(a Action) {
	if a.Kind == Defer {
		return
	}
	// A secondary-key match links the row; drop the unlinked entry.
	if a.MatchedBy == MatchArticle || a.MatchedBy == MatchCode {
		for k, e := range m.byArticle {
			if e.ID == a.TargetID && e.ExternalID == "" {
				delete(m.byArticle, k)
			}
		}
		for k, e := range m.byCode {
			if e.ID == a.TargetID && e.ExternalID == "" {
				delete(m.byCode, k)
			}
		}
	}
	m.Put(Entity{
		ID:               a.TargetID,
		ExternalID:       a.Record.ExternalID,
		ExternalCode:     a.Record.ExternalCode,
		ParentExternalID: a.Record.ParentExternalID,
		Name:             a.Name,
		Active:           a.Active,
		Hash:             a.Hash,
		Fields:           a.Merged,
	})
}

func (m *MapIndex) ByExternalID(id string) (Entity, bool) {
	e, ok := m.byExternal[id]
	return e, ok
}

func (m *MapIndex) ByArticle(article string) (Entity, bool) {
	e, ok := m.byArticle[article]
	return e, ok
}

func (m *MapIndex) ByCode(code string) (Entity, bool) {
	e, ok := m.byCode[code]
	return e, ok
}

// Len returns the number of entities known by external id.
func (m *MapIndex) Len() int { return len(m.byExternal) }
