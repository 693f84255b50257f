package odata

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"erpsync/internal/erp"

	"github.com/shopspring/decimal"
)

// EntitySet describes one ERP collection and how its rows become records.
type EntitySet struct {
	Name      string
	Filter    string
	OrderBy   string
	Normalize func(row map[string]any) (erp.Record, error)
}

var errMissingKey = errors.New("missing key")

// ERP field names. They are consumed verbatim.
const (
	fRef        = "Ref_Key"
	fCode       = "Code"
	fDesc       = "Description"
	fDeleted    = "DeletionMark"
	fParent     = "Parent_Key"
	fOwner      = "Owner_Key"
	fArticle    = "Артикул"
	fFullDesc   = "Описание"
	fUnit       = "ЕдиницаИзмерения_Key"
	fCountry    = "СтранаПроисхождения_Key"
	fBrand      = "Производитель_Key"
	fCategory   = "НоменклатурнаяГруппа_Key"
	fPrice      = "Цена"
	fBarcode    = "Штрихкод"
	fProduct    = "Номенклатура_Key"
	fCharacter  = "Характеристика_Key"
	fSaleChar   = "ХарактеристикаНоменклатуры_Key"
	fWarehouse  = "Склад_Key"
	fOnHand     = "ВНаличииBalance"
	fReserved   = "ВРезервеСоСкладаBalance"
	fRecorder   = "Recorder"
	fLine       = "LineNumber"
	fPeriod     = "Period"
	fActive     = "Active"
	fCard       = "ДисконтнаяКарта_Key"
	fQuantity   = "Количество"
	fAmount     = "Стоимость"
	fSum        = "Сумма"
	fDiscount   = "СуммаСкидки"
	fCardNumber = "КодКарты"
	fCardOwner  = "ВладелецКарты_Key"
	fPhone      = "Телефон"
)

var (
	// Sections are the folder rows of the nomenclature catalog.
	Sections = EntitySet{
		Name:      "Catalog_Номенклатура",
		Filter:    "IsFolder eq true",
		OrderBy:   fRef,
		Normalize: normalizeSection,
	}
	Products = EntitySet{
		Name:      "Catalog_Номенклатура",
		Filter:    "IsFolder eq false",
		OrderBy:   fRef,
		Normalize: normalizeProduct,
	}
	// Variants are product characteristics owned by a product.
	Variants = EntitySet{
		Name:      "Catalog_ХарактеристикиНоменклатуры",
		OrderBy:   fRef,
		Normalize: normalizeVariant,
	}
	// Register sets page by $skip, so the order must be unique per row.
	StockBalance = EntitySet{
		Name:      "AccumulationRegister_ТоварыНаСкладах/Balance",
		OrderBy:   fProduct + "," + fCharacter + "," + fWarehouse,
		Normalize: normalizeStock,
	}
	Sales = EntitySet{
		Name:      "AccumulationRegister_Продажи_RecordType",
		OrderBy:   fPeriod + "," + fRecorder + "," + fLine,
		Normalize: normalizeSale,
	}
	Cards = EntitySet{
		Name:      "Catalog_ИнформационныеКарты",
		OrderBy:   fRef,
		Normalize: normalizeCard,
	}
)

// SalesPeriodField is the date column of the sales register.
const SalesPeriodField = fPeriod

// SalesCardField links a sales line to a discount card.
const SalesCardField = fCard

func normalizeSection(row map[string]any) (erp.Record, error) {
	id := ref(row, fRef)
	if id == "" {
		return erp.Record{}, fmt.Errorf("%w %s", errMissingKey, fRef)
	}
	attrs := erp.Attributes{}
	setBool(attrs, erp.AttrDeleted, row, fDeleted)
	return erp.Record{
		Kind:             erp.KindSection,
		ExternalID:       id,
		ExternalCode:     str(row, fCode),
		Name:             str(row, fDesc),
		ParentExternalID: ref(row, fParent),
		Attributes:       attrs,
	}, nil
}

func normalizeProduct(row map[string]any) (erp.Record, error) {
	id := ref(row, fRef)
	if id == "" {
		return erp.Record{}, fmt.Errorf("%w %s", errMissingKey, fRef)
	}
	attrs := erp.Attributes{}
	setString(attrs, erp.AttrArticle, str(row, fArticle))
	setString(attrs, erp.AttrDescription, str(row, fFullDesc))
	setString(attrs, erp.AttrSection, ref(row, fParent))
	setString(attrs, erp.AttrUnit, ref(row, fUnit))
	setString(attrs, erp.AttrCountry, ref(row, fCountry))
	setString(attrs, erp.AttrBrand, ref(row, fBrand))
	setString(attrs, erp.AttrCategory, ref(row, fCategory))
	setString(attrs, erp.AttrBarcode, str(row, fBarcode))
	if price, ok := num(row, fPrice); ok {
		attrs[erp.AttrPrice] = price
	}
	setBool(attrs, erp.AttrDeleted, row, fDeleted)
	return erp.Record{
		Kind:         erp.KindProduct,
		ExternalID:   id,
		ExternalCode: str(row, fCode),
		Name:         str(row, fDesc),
		Attributes:   attrs,
	}, nil
}

func normalizeVariant(row map[string]any) (erp.Record, error) {
	id := ref(row, fRef)
	if id == "" {
		return erp.Record{}, fmt.Errorf("%w %s", errMissingKey, fRef)
	}
	owner := ref(row, fOwner)
	if owner == "" {
		return erp.Record{}, fmt.Errorf("%w %s", errMissingKey, fOwner)
	}
	attrs := erp.Attributes{}
	setString(attrs, erp.AttrBarcode, str(row, fBarcode))
	if price, ok := num(row, fPrice); ok {
		attrs[erp.AttrPrice] = price
	}
	setBool(attrs, erp.AttrDeleted, row, fDeleted)
	return erp.Record{
		Kind:             erp.KindProduct,
		ExternalID:       id,
		ExternalCode:     str(row, fCode),
		Name:             str(row, fDesc),
		ParentExternalID: owner,
		Attributes:       attrs,
	}, nil
}

func normalizeStock(row map[string]any) (erp.Record, error) {
	product := ref(row, fCharacter)
	if product == "" {
		product = ref(row, fProduct)
	}
	warehouse := ref(row, fWarehouse)
	if product == "" || warehouse == "" {
		return erp.Record{}, fmt.Errorf("%w %s/%s", errMissingKey, fProduct, fWarehouse)
	}
	qty, _ := num(row, fOnHand)
	reserved, _ := num(row, fReserved)
	return erp.Record{
		Kind:       erp.KindStock,
		ExternalID: product + "#" + warehouse,
		Attributes: erp.Attributes{
			erp.AttrProduct:   product,
			erp.AttrWarehouse: warehouse,
			erp.AttrReserved:  map[string]decimal.Decimal{warehouse: reserved},
		},
		WarehouseQuantities: map[string]decimal.Decimal{warehouse: qty},
	}, nil
}

func normalizeSale(row map[string]any) (erp.Record, error) {
	doc := ref(row, fRecorder)
	line := str(row, fLine)
	if doc == "" || line == "" {
		return erp.Record{}, fmt.Errorf("%w %s/%s", errMissingKey, fRecorder, fLine)
	}
	product := ref(row, fSaleChar)
	if product == "" {
		product = ref(row, fProduct)
	}
	attrs := erp.Attributes{
		erp.AttrDocument: doc,
		erp.AttrLine:     line,
	}
	period := str(row, fPeriod)
	soldAt, err := erp.ParseTime(period, nil)
	if err != nil {
		return erp.Record{}, fmt.Errorf("%s: %w", fPeriod, err)
	}
	attrs[erp.AttrSoldAt] = soldAt
	setString(attrs, erp.AttrProduct, product)
	setString(attrs, erp.AttrWarehouse, ref(row, fWarehouse))
	setString(attrs, erp.AttrCard, ref(row, fCard))
	if q, ok := num(row, fQuantity); ok {
		attrs[erp.AttrQuantity] = q
	}
	if amount, ok := num(row, fAmount); ok {
		attrs[erp.AttrAmount] = amount
	} else if amount, ok := num(row, fSum); ok {
		attrs[erp.AttrAmount] = amount
	}
	if d, ok := num(row, fDiscount); ok {
		attrs[erp.AttrDiscount] = d
	}
	if active, ok := row[fActive].(bool); ok {
		attrs[erp.AttrDeleted] = !active
	}
	return erp.Record{
		Kind:       erp.KindSale,
		ExternalID: doc + "#" + line,
		Attributes: attrs,
	}, nil
}

func normalizeCard(row map[string]any) (erp.Record, error) {
	id := ref(row, fRef)
	if id == "" {
		return erp.Record{}, fmt.Errorf("%w %s", errMissingKey, fRef)
	}
	attrs := erp.Attributes{}
	number := str(row, fCardNumber)
	if number == "" {
		number = str(row, fCode)
	}
	setString(attrs, erp.AttrCardNumber, number)
	setString(attrs, erp.AttrPhone, str(row, fPhone))
	setString(attrs, erp.AttrOwner, ref(row, fCardOwner))
	setBool(attrs, erp.AttrDeleted, row, fDeleted)
	return erp.Record{
		Kind:         erp.KindCard,
		ExternalID:   id,
		ExternalCode: str(row, fCode),
		Name:         str(row, fDesc),
		Attributes:   attrs,
	}, nil
}

func str(row map[string]any, key string) string {
	switch v := row[key].(type) {
	case string:
		return strings.TrimSpace(v)
	case json.Number:
		return v.String()
	case nil:
		return ""
	default:
		return strings.TrimSpace(fmt.Sprint(v))
	}
}

// ref reads a reference field, mapping the empty GUID to "".
func ref(row map[string]any, key string) string {
	v := str(row, key)
	if v == EmptyGUID {
		return ""
	}
	return v
}

func num(row map[string]any, key string) (decimal.Decimal, bool) {
	return erp.ParseDecimal(row[key])
}

func setString(attrs erp.Attributes, key, value string) {
	if value != "" {
		attrs[key] = value
	}
}

func setBool(attrs erp.Attributes, key string, row map[string]any, field string) {
	if b, ok := row[field].(bool); ok {
		attrs[key] = b
	}
}
