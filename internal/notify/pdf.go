package notify

import (
	"bytes"
	"fmt"
	"time"

	"github.com/phpdave11/gofpdf"

	"ms-orders/internal/models"
)

// TicketPDF renders one e-ticket as a printable A4 page with its QR code.
type TicketPDF struct{}

func NewTicketPDF() *TicketPDF {
	return &TicketPDF{}
}

func (g *TicketPDF) Render(et *models.ETicket, event *models.Event, qrPNG []byte) ([]byte, error) {
	pdf := gofpdf.New("P", "mm", "A4", "")
	pdf.AddPage()

	pdf.SetFont("Helvetica", "B", 20)
	pdf.CellFormat(0, 12, event.Name, "", 1, "C", false, 0, "")

	pdf.SetFont("Helvetica", "", 13)
	pdf.Ln(4)
	pdf.CellFormat(0, 8, et.Name, "", 1, "C", false, 0, "")
	pdf.CellFormat(0, 8, fmt.Sprintf("Valid from %s to %s",
		event.StartsAt.Format("2006-01-02 15:04"),
		event.ExpiresAt.Format("2006-01-02 15:04")), "", 1, "C", false, 0, "")

	if len(qrPNG) > 0 {
		opt := gofpdf.ImageOptions{ImageType: "PNG"}
		pdf.RegisterImageOptionsReader(et.ID, opt, bytes.NewReader(qrPNG))
		pdf.ImageOptions(et.ID, 70, pdf.GetY()+10, 70, 70, false, opt, 0, "")
		pdf.SetY(pdf.GetY() + 90)
	}

	pdf.SetFont("Helvetica", "I", 10)
	pdf.CellFormat(0, 6, "Present this QR code at the entrance.", "", 1, "C", false, 0, "")
	pdf.CellFormat(0, 6, fmt.Sprintf("Issued %s", time.Now().Format("2006-01-02")), "", 1, "C", false, 0, "")

	var buf bytes.Buffer
	if err := pdf.Output(&buf); err != nil {
		return nil, fmt.Errorf("write ticket pdf: %w", err)
	}
	return buf.Bytes(), nil
}
