package domain

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// ProductOption is a priced add-on of a cart line such as a size or a crust.
type ProductOption struct {
	ID    string          `json:"id"`
	Name  string          `json:"name"`
	Price decimal.Decimal `json:"price"`
}

type CartLine struct {
	ProductID string          `json:"product_id"`
	Name      string          `json:"name"`
	Price     decimal.Decimal `json:"price"`
	Quantity  int             `json:"quantity"`
	Size      *ProductOption  `json:"size,omitempty"`
	Edge      *ProductOption  `json:"edge,omitempty"`
}

func (l CartLine) UnitPrice() decimal.Decimal {
	p := l.Price
	if l.Size != nil {
		p = p.Add(l.Size.Price)
	}
	if l.Edge != nil {
		p = p.Add(l.Edge.Price)
	}
	return p
}

func (l CartLine) Title() string {
	title := l.Name
	if l.Size != nil {
		title = fmt.Sprintf("%s (%s)", title, l.Size.Name)
	}
	if l.Edge != nil {
		title = fmt.Sprintf("%s with %s crust", title, l.Edge.Name)
	}
	return title
}

// ItemsFromCart converts cart lines, in order, into payment items.
func ItemsFromCart(lines []CartLine) []Item {
	items := make([]Item, 0, len(lines))
	for _, l := range lines {
		items = append(items, Item{
			Title:     l.Title(),
			Quantity:  l.Quantity,
			UnitPrice: l.UnitPrice(),
		})
	}
	return items
}
