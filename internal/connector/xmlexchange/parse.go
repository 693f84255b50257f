package xmlexchange

import (
	"fmt"
	"net/url"
	"path"
	"path/filepath"
	"strings"

	"erpsync/internal/erp"
	"erpsync/internal/pkg/retry"

	"github.com/shopspring/decimal"
)

// DefaultWarehouse keys the total quantity of an offer that carries no
// per-warehouse breakdown.
const DefaultWarehouse = "default"

// variantSeparator joins product and characteristic ids in offer ids.
const variantSeparator = "#"

// Parse turns a catalog document and an optional offers document into
// records: sections first, then products, then variants. catalogLocation is
// the URL or path the catalog was read from; relative image paths resolve
// against its directory.
func Parse(catalog, offers []byte, catalogLocation string) ([]erp.Record, []error, error) {
	var doc catalogDoc
	if err := decode(catalog, &doc); err != nil {
		return nil, nil, retry.Malformed("catalog xml", err)
	}
	var offerDoc offersDoc
	if len(offers) > 0 {
		if err := decode(offers, &offerDoc); err != nil {
			return nil, nil, retry.Malformed("offers xml", err)
		}
	}

	resolve := imageResolver(catalogLocation)
	props := newPropertyIndex(doc.Properties)

	var sections []erp.Record
	flattenGroups(doc.Groups, "", &sections)

	var products, variants []erp.Record
	index := make(map[string]int)
	add := func(rec erp.Record) {
		if rec.IsVariant() {
			variants = append(variants, rec)
			return
		}
		index[rec.ExternalID] = len(products)
		products = append(products, rec)
	}

	for _, p := range doc.Catalog.Products {
		id := strings.TrimSpace(p.ID)
		if id == "" {
			continue
		}
		rec := productRecord(p, resolve, props)
		add(rec)
		for _, v := range p.Variants {
			add(variantRecord(rec, v, resolve, props))
		}
	}

	var invalid []error
	if len(offerDoc.Offers) > 0 {
		invalid = applyOffers(offerDoc.Offers, products, &variants, index)
	}

	out := make([]erp.Record, 0, len(sections)+len(products)+len(variants))
	out = append(out, sections...)
	out = append(out, products...)
	out = append(out, variants...)
	return out, invalid, nil
}

func flattenGroups(groups []xmlGroup, parent string, out *[]erp.Record) {
	for _, g := range groups {
		id := strings.TrimSpace(g.ID)
		if id == "" {
			continue
		}
		parentID := parent
		if p := strings.TrimSpace(g.ParentID); p != "" {
			parentID = p
		}
		*out = append(*out, erp.Record{
			Kind:             erp.KindSection,
			ExternalID:       id,
			Name:             strings.TrimSpace(g.Name),
			ParentExternalID: parentID,
			Attributes:       erp.Attributes{erp.AttrDeleted: isDeleted("", g.Deleted)},
		})
		flattenGroups(g.Children, id, out)
	}
}

func productRecord(p xmlProduct, resolve func(string) string, props propertyIndex) erp.Record {
	id := strings.TrimSpace(p.ID)
	parent := ""
	if i := strings.Index(id, variantSeparator); i > 0 {
		parent = id[:i]
	}

	attrs := erp.Attributes{erp.AttrDeleted: isDeleted(p.Status, p.Deleted)}
	setString(attrs, erp.AttrArticle, p.Article)
	setString(attrs, erp.AttrDescription, p.Description)
	setString(attrs, erp.AttrBarcode, p.Barcode)
	setString(attrs, erp.AttrCountry, p.Country)
	setString(attrs, erp.AttrBrand, p.Brand)
	unit := strings.TrimSpace(p.Unit.Value)
	if unit == "" {
		unit = strings.TrimSpace(p.Unit.FullName)
	}
	setString(attrs, erp.AttrUnit, unit)
	if len(p.GroupIDs) > 0 {
		setString(attrs, erp.AttrSection, p.GroupIDs[0])
	}
	if images := resolveAll(p.Images, resolve); len(images) > 0 {
		attrs[erp.AttrImages] = images
	}
	specs := make(map[string]string)
	for _, f := range p.Features {
		addSpec(specs, f.Name, f.Value)
	}
	for _, v := range p.Properties {
		name, value := props.resolve(v.ID, v.Value)
		addSpec(specs, name, value)
	}
	if len(specs) > 0 {
		attrs[erp.AttrSpecs] = specs
	}

	return erp.Record{
		Kind:             erp.KindProduct,
		ExternalID:       id,
		ExternalCode:     strings.TrimSpace(p.Code),
		Name:             strings.TrimSpace(p.Name),
		ParentExternalID: parent,
		Attributes:       attrs,
	}
}

// variantRecord builds an embedded characteristic. Its id is normalized to the
// "<product>#<characteristic>" form used by offers.
func variantRecord(parent erp.Record, v xmlVariant, resolve func(string) string, props propertyIndex) erp.Record {
	id := strings.TrimSpace(v.ID)
	if !strings.Contains(id, variantSeparator) {
		id = parent.ExternalID + variantSeparator + id
	}
	attrs := erp.Attributes{erp.AttrDeleted: parent.Attributes.Bool(erp.AttrDeleted)}
	setString(attrs, erp.AttrArticle, v.Article)
	setString(attrs, erp.AttrBarcode, v.Barcode)
	if images := resolveAll(v.Images, resolve); len(images) > 0 {
		attrs[erp.AttrImages] = images
	}
	specs := make(map[string]string)
	for _, f := range v.Features {
		addSpec(specs, f.Name, f.Value)
	}
	for _, pv := range v.Values {
		name, value := props.resolve(pv.ID, pv.Value)
		addSpec(specs, name, value)
	}
	if len(specs) > 0 {
		attrs[erp.AttrSpecs] = specs
	}
	name := strings.TrimSpace(v.Name)
	if name == "" {
		name = parent.Name
	}
	return erp.Record{
		Kind:             erp.KindProduct,
		ExternalID:       id,
		Name:             name,
		ParentExternalID: parent.ExternalID,
		Attributes:       attrs,
	}
}

// applyOffers merges price and stock into the catalog records. An offer for an
// unknown "<product>#<characteristic>" id creates the variant.
func applyOffers(offers []xmlOffer, products []erp.Record, outVariants *[]erp.Record, index map[string]int) []error {
	variantIndex := make(map[string]int, len(*outVariants))
	for i, v := range *outVariants {
		variantIndex[v.ExternalID] = i
	}

	var invalid []error
	for _, o := range offers {
		id := strings.TrimSpace(o.ID)
		if id == "" {
			continue
		}
		var target *erp.Record
		if i, ok := index[id]; ok {
			target = &products[i]
		} else if i, ok := variantIndex[id]; ok {
			target = &(*outVariants)[i]
		} else if sep := strings.Index(id, variantSeparator); sep > 0 {
			parent := id[:sep]
			if _, ok := index[parent]; !ok {
				invalid = append(invalid, fmt.Errorf("offer %s: parent product %s not in catalog", id, parent))
				continue
			}
			*outVariants = append(*outVariants, erp.Record{
				Kind:             erp.KindProduct,
				ExternalID:       id,
				Name:             strings.TrimSpace(o.Name),
				ParentExternalID: parent,
				Attributes:       erp.Attributes{},
			})
			variantIndex[id] = len(*outVariants) - 1
			target = &(*outVariants)[len(*outVariants)-1]
		} else {
			invalid = append(invalid, fmt.Errorf("offer %s: product not in catalog", id))
			continue
		}
		applyOffer(target, o)
	}
	return invalid
}

func applyOffer(rec *erp.Record, o xmlOffer) {
	if rec.Attributes == nil {
		rec.Attributes = erp.Attributes{}
	}
	if len(o.Prices) > 0 {
		if price, ok := erp.ParseDecimal(o.Prices[0].PerUnit); ok {
			rec.Attributes[erp.AttrPrice] = price
		}
		setString(rec.Attributes, erp.AttrCurrency, o.Prices[0].Currency)
	}
	if rec.Attributes.String(erp.AttrArticle) == "" {
		setString(rec.Attributes, erp.AttrArticle, o.Article)
	}
	if len(o.Features) > 0 {
		specs := rec.Attributes.StringMap(erp.AttrSpecs)
		if specs == nil {
			specs = make(map[string]string)
		}
		for _, f := range o.Features {
			addSpec(specs, f.Name, f.Value)
		}
		rec.Attributes[erp.AttrSpecs] = specs
	}

	qty := make(map[string]decimal.Decimal)
	for _, s := range o.Stores {
		addQty(qty, s.ID, s.Quantity)
	}
	for _, r := range o.Rests {
		addQty(qty, r.ID, r.Quantity)
	}
	if len(qty) == 0 {
		addQty(qty, DefaultWarehouse, o.Quantity)
	}
	if len(qty) > 0 {
		rec.WarehouseQuantities = qty
	}
}

func addQty(qty map[string]decimal.Decimal, warehouse, raw string) {
	warehouse = strings.TrimSpace(warehouse)
	if warehouse == "" {
		return
	}
	d, ok := erp.ParseDecimal(raw)
	if !ok {
		return
	}
	qty[warehouse] = qty[warehouse].Add(d)
}

func addSpec(specs map[string]string, name, value string) {
	name, value = strings.TrimSpace(name), strings.TrimSpace(value)
	if name != "" && value != "" {
		specs[name] = value
	}
}

func setString(attrs erp.Attributes, key, value string) {
	if v := strings.TrimSpace(value); v != "" {
		attrs[key] = v
	}
}

func resolveAll(paths []string, resolve func(string) string) []string {
	out := make([]string, 0, len(paths))
	seen := make(map[string]bool, len(paths))
	for _, p := range paths {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		r := resolve(p)
		if seen[r] {
			continue
		}
		seen[r] = true
		out = append(out, r)
	}
	return out
}

// imageResolver resolves image references against the directory of the
// catalog document, whether it came from a URL or a local path.
func imageResolver(location string) func(string) string {
	base, err := url.Parse(location)
	isURL := err == nil && base.Scheme != "" && base.Host != ""
	return func(ref string) string {
		ref = strings.ReplaceAll(ref, `\`, "/")
		if u, err := url.Parse(ref); err == nil && u.Scheme != "" {
			return ref
		}
		if isURL {
			rel, err := url.Parse(ref)
			if err != nil {
				return ref
			}
			return base.ResolveReference(rel).String()
		}
		if location == "" {
			return ref
		}
		dir := filepath.Dir(strings.TrimPrefix(location, "file://"))
		if path.IsAbs(ref) {
			return ref
		}
		return filepath.ToSlash(filepath.Join(dir, ref))
	}
}

type propertyIndex struct {
	names  map[string]string
	values map[string]string
}

func newPropertyIndex(props []xmlProperty) propertyIndex {
	idx := propertyIndex{names: make(map[string]string), values: make(map[string]string)}
	for _, p := range props {
		idx.names[strings.TrimSpace(p.ID)] = strings.TrimSpace(p.Name)
		for _, v := range p.Values {
			idx.values[strings.TrimSpace(v.ID)] = strings.TrimSpace(v.Value)
		}
	}
	return idx
}

// resolve maps a property id and a raw value (which may be a dictionary value
// id) to display strings.
func (p propertyIndex) resolve(id, value string) (string, string) {
	id, value = strings.TrimSpace(id), strings.TrimSpace(value)
	name := p.names[id]
	if name == "" {
		name = id
	}
	if v, ok := p.values[value]; ok {
		value = v
	}
	return name, value
}
