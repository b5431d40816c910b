package generate

import (
	"fmt"
	"strconv"
)

// DefaultPrompt is the review request the fine-tuned model is smoke
// tested with.
const DefaultPrompt = "[INICIO]\nProducto: Samsung Galaxy S21\nMarca: Samsung\nPrecio: 799\nPuntuación: 1 estrellas\n[RESEÑA]\n"

// Review holds the fields of a review request.
type Review struct {
	Product string
	Brand   string
	Price   float64
	Stars   int
}

// ReviewPrompt renders r in the layout used during fine-tuning. The text
// ends right after the [RESEÑA] marker so the model writes the review.
func ReviewPrompt(r Review) string {
	return fmt.Sprintf("[INICIO]\nProducto: %s\nMarca: %s\nPrecio: %s\nPuntuación: %d estrellas\n[RESEÑA]\n",
		r.Product, r.Brand, strconv.FormatFloat(r.Price, 'f', -1, 64), r.Stars)
}
