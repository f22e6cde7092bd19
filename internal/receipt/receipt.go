// Package receipt defines the receipt payload attached to bill-split
// messages. Real OCR capture is out of scope; Scan returns a fixed demo
// receipt so every client sees identical data.
package receipt

// Item is a single line on a receipt.
type Item struct {
	Name  string  `json:"name"`
	Price float64 `json:"price"`
}

// Receipt is the scanned bill a split session is opened over. Monetary
// values travel as floats on the wire; split arithmetic converts them to
// cents first.
type Receipt struct {
	Restaurant string `json:"restaurant"`
	Items      []Item `json:"items"`
	Subtotal   float64 `json:"subtotal"`
	Total      float64 `json:"total"`
	Currency   string  `json:"currency"`
}

// Scan returns the deterministic mock receipt that stands in for the
// camera/OCR flow. Same receipt every call.
func Scan() Receipt {
	return Receipt{
		Restaurant: "Golden Duck House",
		Items: []Item{
			{Name: "Roast Duck (Half)", Price: 28.40},
			{Name: "Dim Sum Platter", Price: 18.75},
			{Name: "Jasmine Tea", Price: 8.20},
		},
		Subtotal: 55.35,
		Total:    60.55, // subtotal + service charge
		Currency: "USD",
	}
}
