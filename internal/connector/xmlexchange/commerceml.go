package xmlexchange

import (
	"bytes"
	"encoding/xml"
	"fmt"
	"io"
	"strings"

	"golang.org/x/text/encoding/htmlindex"
)

// Document shapes of the CommerceML exchange. Only the parts the engine reads
// are declared.

type catalogDoc struct {
	XMLName    xml.Name      `xml:"КоммерческаяИнформация"`
	Groups     []xmlGroup    `xml:"Классификатор>Группы>Группа"`
	Properties []xmlProperty `xml:"Классификатор>Свойства>Свойство"`
	Catalog    struct {
		OnlyChanges string       `xml:"СодержитТолькоИзменения,attr"`
		Products    []xmlProduct `xml:"Товары>Товар"`
	} `xml:"Каталог"`
}

type xmlGroup struct {
	ID       string     `xml:"Ид"`
	Name     string     `xml:"Наименование"`
	ParentID string     `xml:"ИдРодителя"`
	Deleted  string     `xml:"ПометкаУдаления"`
	Children []xmlGroup `xml:"Группы>Группа"`
}

type xmlProperty struct {
	ID     string `xml:"Ид"`
	Name   string `xml:"Наименование"`
	Values []struct {
		ID    string `xml:"ИдЗначения"`
		Value string `xml:"Значение"`
	} `xml:"ВариантыЗначений>Справочник"`
}

type xmlNameValue struct {
	Name  string `xml:"Наименование"`
	Value string `xml:"Значение"`
}

type xmlPropertyValue struct {
	ID    string `xml:"Ид"`
	Value string `xml:"Значение"`
}

type xmlUnit struct {
	Code     string `xml:"Код,attr"`
	FullName string `xml:"НаименованиеПолное,attr"`
	Value    string `xml:",chardata"`
}

type xmlProduct struct {
	Status      string             `xml:"Статус,attr"`
	ID          string             `xml:"Ид"`
	Code        string             `xml:"Код"`
	Barcode     string             `xml:"Штрихкод"`
	Article     string             `xml:"Артикул"`
	Name        string             `xml:"Наименование"`
	Unit        xmlUnit            `xml:"БазоваяЕдиница"`
	GroupIDs    []string           `xml:"Группы>Ид"`
	Description string             `xml:"Описание"`
	Images      []string           `xml:"Картинка"`
	Country     string             `xml:"Страна"`
	Brand       string             `xml:"Изготовитель>Наименование"`
	Deleted     string             `xml:"ПометкаУдаления"`
	Features    []xmlNameValue     `xml:"ХарактеристикиТовара>ХарактеристикаТовара"`
	Requisites  []xmlNameValue     `xml:"ЗначенияРеквизитов>ЗначениеРеквизита"`
	Properties  []xmlPropertyValue `xml:"ЗначенияСвойств>ЗначенияСвойства"`
	Variants    []xmlVariant       `xml:"Характеристики>Характеристика"`
}

type xmlVariant struct {
	ID       string         `xml:"Ид"`
	Article  string         `xml:"Артикул"`
	Barcode  string         `xml:"Штрихкод"`
	Name     string         `xml:"Наименование"`
	Images   []string       `xml:"Картинка"`
	Features []xmlNameValue     `xml:"ХарактеристикиТовара>ХарактеристикаТовара"`
	Values   []xmlPropertyValue `xml:"ЗначенияСвойств>ЗначенияСвойства"`
}

type offersDoc struct {
	XMLName    xml.Name `xml:"КоммерческаяИнформация"`
	Warehouses []struct {
		ID   string `xml:"Ид"`
		Name string `xml:"Наименование"`
	} `xml:"ПакетПредложений>Склады>Склад"`
	Offers []xmlOffer `xml:"ПакетПредложений>Предложения>Предложение"`
}

type xmlOffer struct {
	ID       string `xml:"Ид"`
	Article  string `xml:"Артикул"`
	Name     string `xml:"Наименование"`
	Prices   []struct {
		TypeID   string `xml:"ИдТипаЦены"`
		PerUnit  string `xml:"ЦенаЗаЕдиницу"`
		Currency string `xml:"Валюта"`
	} `xml:"Цены>Цена"`
	Quantity string `xml:"Количество"`
	Stores   []struct {
		ID       string `xml:"ИдСклада,attr"`
		Quantity string `xml:"КоличествоНаСкладе,attr"`
	} `xml:"Склад"`
	Rests []struct {
		ID       string `xml:"Склад>Ид"`
		Quantity string `xml:"Склад>Количество"`
	} `xml:"Остатки>Остаток"`
	Features []xmlNameValue `xml:"ХарактеристикиТовара>ХарактеристикаТовара"`
}

// decode parses one document, honouring the charset from its XML declaration.
func decode(body []byte, v any) error {
	dec := xml.NewDecoder(bytes.NewReader(body))
	dec.CharsetReader = charsetReader
	if err := dec.Decode(v); err != nil {
		return err
	}
	return nil
}

func charsetReader(label string, input io.Reader) (io.Reader, error) {
	enc, err := htmlindex.Get(strings.TrimSpace(label))
	if err != nil {
		return nil, fmt.Errorf("unsupported charset %q: %w", label, err)
	}
	return enc.NewDecoder().Reader(input), nil
}

func isDeleted(status, mark string) bool {
	return strings.EqualFold(strings.TrimSpace(status), "Удален") ||
		strings.EqualFold(strings.TrimSpace(mark), "true")
}
