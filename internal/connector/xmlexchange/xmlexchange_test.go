package xmlexchange

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"erpsync/internal/erp"
	"erpsync/internal/pkg/retry"

	"github.com/shopspring/decimal"
	"golang.org/x/text/encoding/charmap"
)

const catalogXML = `<?xml version="1.0" encoding="UTF-8"?>
<КоммерческаяИнформация ВерсияСхемы="2.05">
  <Классификатор>
    <Группы>
      <Группа>
        <Ид>g-root</Ид>
        <Наименование>Одежда</Наименование>
        <Группы>
          <Группа><Ид>g-child</Ид><Наименование>Куртки</Наименование></Группа>
        </Группы>
      </Группа>
      <Группа><Ид>g-flat</Ид><ИдРодителя>g-root</ИдРодителя><Наименование>Обувь</Наименование></Группа>
    </Группы>
    <Свойства>
      <Свойство>
        <Ид>prop-color</Ид><Наименование>Цвет</Наименование>
        <ВариантыЗначений><Справочник><ИдЗначения>val-red</ИдЗначения><Значение>Красный</Значение></Справочник></ВариантыЗначений>
      </Свойство>
    </Свойства>
  </Классификатор>
  <Каталог СодержитТолькоИзменения="false">
    <Товары>
      <Товар>
        <Ид>p-1</Ид>
        <Артикул>ART-1</Артикул>
        <Наименование>Куртка зимняя</Наименование>
        <БазоваяЕдиница Код="796" НаименованиеПолное="Штука">шт</БазоваяЕдиница>
        <Группы><Ид>g-child</Ид></Группы>
        <Описание>Тёплая куртка</Описание>
        <Картинка>import_files/a1/one.jpg</Картинка>
        <Картинка>import_files/a1/two.jpg</Картинка>
        <Картинка>import_files\a1\three.jpg</Картинка>
        <Изготовитель><Ид>b-1</Ид><Наименование>Nord</Наименование></Изготовитель>
        <ЗначенияСвойств><ЗначенияСвойства><Ид>prop-color</Ид><Значение>val-red</Значение></ЗначенияСвойства></ЗначенияСвойств>
        <Характеристики>
          <Характеристика><Ид>v-m</Ид><Наименование>Куртка M</Наименование></Характеристика>
          <Характеристика><Ид>v-l</Ид><Наименование>Куртка L</Наименование></Характеристика>
        </Характеристики>
      </Товар>
      <Товар Статус="Удален">
        <Ид>p-2</Ид>
        <Наименование>Снятый товар</Наименование>
      </Товар>
    </Товары>
  </Каталог>
</КоммерческаяИнформация>`

const offersXML = `<?xml version="1.0" encoding="UTF-8"?>
<КоммерческаяИнформация ВерсияСхемы="2.05">
  <ПакетПредложений>
    <Склады><Склад><Ид>w-1</Ид><Наименование>Main</Наименование></Склад></Склады>
    <Предложения>
      <Предложение>
        <Ид>p-1</Ид>
        <Цены><Цена><ЦенаЗаЕдиницу>4 990,50</ЦенаЗаЕдиницу><Валюта>RUB</Валюта></Цена></Цены>
        <Количество>7</Количество>
        <Склад ИдСклада="w-1" КоличествоНаСкладе="5"/>
        <Склад ИдСклада="w-2" КоличествоНаСкладе="2"/>
      </Предложение>
      <Предложение>
        <Ид>p-1#v-m</Ид>
        <Цены><Цена><ЦенаЗаЕдиницу>5000</ЦенаЗаЕдиницу></Цена></Цены>
        <Количество>3</Количество>
      </Предложение>
      <Предложение>
        <Ид>p-1#v-xl</Ид>
        <Наименование>Куртка XL</Наименование>
        <Количество>1</Количество>
      </Предложение>
      <Предложение>
        <Ид>unknown</Ид>
        <Количество>1</Количество>
      </Предложение>
    </Предложения>
  </ПакетПредложений>
</КоммерческаяИнформация>`

func byID(records []erp.Record) map[string]erp.Record {
	out := make(map[string]erp.Record, len(records))
	for _, r := range records {
		out[r.ExternalID] = r
	}
	return out
}

func TestParse_CollectsAllImagesResolvedAgainstDocumentDirectory(t *testing.T) {
	records, _, err := Parse([]byte(catalogXML), nil, "https://erp.example.com/exchange/2026/import.xml")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	p1 := byID(records)["p-1"]
	images := p1.Attributes.Strings(erp.AttrImages)
	want := []string{
		"https://erp.example.com/exchange/2026/import_files/a1/one.jpg",
		"https://erp.example.com/exchange/2026/import_files/a1/two.jpg",
		"https://erp.example.com/exchange/2026/import_files/a1/three.jpg",
	}
	if len(images) != len(want) {
		t.Fatalf("expected %d images, got %v", len(want), images)
	}
	for i := range want {
		if images[i] != want[i] {
			t.Fatalf("image %d: got %s, want %s", i, images[i], want[i])
		}
	}
}

func TestParse_LocalPathImages(t *testing.T) {
	records, _, err := Parse([]byte(catalogXML), nil, "/srv/exchange/import.xml")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	images := byID(records)["p-1"].Attributes.Strings(erp.AttrImages)
	if len(images) != 3 || images[0] != "/srv/exchange/import_files/a1/one.jpg" {
		t.Fatalf("unexpected images: %v", images)
	}
}

func TestParse_GroupsProductsAndVariants(t *testing.T) {
	records, _, err := Parse([]byte(catalogXML), nil, "")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	idx := byID(records)

	if idx["g-child"].ParentExternalID != "g-root" || idx["g-flat"].ParentExternalID != "g-root" {
		t.Fatalf("group tree not resolved: child=%q flat=%q", idx["g-child"].ParentExternalID, idx["g-flat"].ParentExternalID)
	}
	if idx["g-root"].Kind != erp.KindSection {
		t.Fatalf("expected section kind, got %s", idx["g-root"].Kind)
	}

	p1 := idx["p-1"]
	if p1.Article() != "ART-1" || p1.Attributes.String(erp.AttrSection) != "g-child" {
		t.Fatalf("unexpected product: %+v", p1)
	}
	if p1.Attributes.String(erp.AttrBrand) != "Nord" || p1.Attributes.String(erp.AttrUnit) != "шт" {
		t.Fatalf("unexpected product attributes: %+v", p1.Attributes)
	}
	if got := p1.Attributes.StringMap(erp.AttrSpecs)["Цвет"]; got != "Красный" {
		t.Fatalf("property value not resolved, got %q", got)
	}

	vm, ok := idx["p-1#v-m"]
	if !ok || vm.ParentExternalID != "p-1" || vm.Name != "Куртка M" {
		t.Fatalf("unexpected variant: %+v", vm)
	}
	if !idx["p-2"].Attributes.Bool(erp.AttrDeleted) {
		t.Fatal("product with status Удален must be flagged deleted")
	}

	// Sections precede products which precede variants.
	lastKind := 0
	for _, r := range records {
		rank := 1
		switch {
		case r.Kind == erp.KindSection:
			rank = 0
		case r.IsVariant():
			rank = 2
		}
		if rank < lastKind {
			t.Fatalf("record %s out of order", r.ExternalID)
		}
		lastKind = rank
	}
}

func TestParse_OffersMergePriceAndStock(t *testing.T) {
	records, invalid, err := Parse([]byte(catalogXML), []byte(offersXML), "")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(invalid) != 1 {
		t.Fatalf("expected one unplaced offer, got %v", invalid)
	}
	idx := byID(records)

	price, ok := idx["p-1"].Attributes.Decimal(erp.AttrPrice)
	if !ok || !price.Equal(decimal.RequireFromString("4990.5")) {
		t.Fatalf("unexpected price %s", price)
	}
	qty := idx["p-1"].WarehouseQuantities
	if !qty["w-1"].Equal(decimal.NewFromInt(5)) || !qty["w-2"].Equal(decimal.NewFromInt(2)) {
		t.Fatalf("unexpected warehouse quantities: %v", qty)
	}
	if !idx["p-1#v-m"].WarehouseQuantities[DefaultWarehouse].Equal(decimal.NewFromInt(3)) {
		t.Fatalf("expected total quantity under default warehouse: %v", idx["p-1#v-m"].WarehouseQuantities)
	}
	xl, ok := idx["p-1#v-xl"]
	if !ok || xl.ParentExternalID != "p-1" || xl.Name != "Куртка XL" {
		t.Fatalf("offer-only variant not created: %+v", xl)
	}

	stock := StockRecords(records)
	if len(stock) != 4 {
		t.Fatalf("expected 4 stock rows, got %d", len(stock))
	}
	if stock[0].ExternalID != "p-1#w-1" {
		t.Fatalf("unexpected first stock row %s", stock[0].ExternalID)
	}
}

func TestParse_Windows1251(t *testing.T) {
	doc := strings.Replace(catalogXML, `encoding="UTF-8"`, `encoding="windows-1251"`, 1)
	encoded, err := charmap.Windows1251.NewEncoder().String(doc)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	records, _, err := Parse([]byte(encoded), nil, "")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if got := byID(records)["p-1"].Name; got != "Куртка зимняя" {
		t.Fatalf("expected decoded name, got %q", got)
	}
}

func TestParse_MalformedIsFatal(t *testing.T) {
	_, _, err := Parse([]byte("<КоммерческаяИнформация><Каталог>"), nil, "")
	if !errors.Is(err, retry.ErrMalformed) {
		t.Fatalf("expected ErrMalformed, got %v", err)
	}
}

func TestLoader_DownloadRetriesAndParses(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasSuffix(r.URL.Path, "import.xml") && calls.Add(1) == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		if strings.HasSuffix(r.URL.Path, "offers.xml") {
			_, _ = io.WriteString(w, offersXML)
			return
		}
		_, _ = io.WriteString(w, catalogXML)
	}))
	defer srv.Close()

	loader := NewLoader(Config{Retry: retry.Policy{MaxAttempts: 3, BaseDelay: time.Millisecond}}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	records, err := loader.LoadAndParse(context.Background(), srv.URL+"/exchange/import.xml", srv.URL+"/exchange/offers.xml")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	p1 := byID(records)["p-1"]
	if !strings.HasPrefix(p1.Attributes.Strings(erp.AttrImages)[0], srv.URL+"/exchange/import_files/") {
		t.Fatalf("image not resolved against download URL: %v", p1.Attributes.Strings(erp.AttrImages))
	}
	if calls.Load() != 2 {
		t.Fatalf("expected catalog to be fetched twice, got %d", calls.Load())
	}
}

func TestLoader_LocalFileAndFingerprint(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "import.xml")
	if err := os.WriteFile(path, []byte(catalogXML), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	loader := NewLoader(Config{}, nil)
	a, err := loader.Load(context.Background(), path, "")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	b, err := loader.Load(context.Background(), "file://"+path, "")
	if err != nil {
		t.Fatalf("load file url: %v", err)
	}
	if a.Fingerprint == "" || a.Fingerprint != b.Fingerprint {
		t.Fatalf("expected stable fingerprint, got %q and %q", a.Fingerprint, b.Fingerprint)
	}
}

func TestSliceSource_Pages(t *testing.T) {
	var records []erp.Record
	for i := 0; i < 5; i++ {
		records = append(records, erp.Record{Kind: erp.KindProduct, ExternalID: string(rune('a' + i))})
	}
	records = append(records, erp.Record{Kind: erp.KindSection, ExternalID: "s"})
	src := NewSliceSource("products", records, erp.KindProduct)

	n, _ := src.Count(context.Background())
	if n != 5 {
		t.Fatalf("expected 5 products, got %d", n)
	}
	page, _ := src.Fetch(context.Background(), 0, 2)
	if len(page.Records) != 2 || page.Done || page.Next != 2 {
		t.Fatalf("unexpected first page: %+v", page)
	}
	page, _ = src.Fetch(context.Background(), 4, 2)
	if len(page.Records) != 1 || !page.Done {
		t.Fatalf("unexpected last page: %+v", page)
	}
}
