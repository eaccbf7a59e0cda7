// Package receipt renders booking receipts to PDF files.
package receipt

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-pdf/fpdf"

	"github.com/yourorg/deposit-orchestrator/internal/ledger"
	"github.com/yourorg/deposit-orchestrator/internal/sideeffect"
)

var ErrNotPaid = errors.New("booking has no successful payment")

// ContentType is the media type of generated receipts.
const ContentType = "application/pdf"

type row struct{ label, value string }

// Generator writes one receipt file per booking under Dir.
type Generator struct {
	dir      string
	business string
	loc      *time.Location
}

// NewGenerator creates the receipt directory if needed.
func NewGenerator(dir, business string) (*Generator, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create receipt dir: %w", err)
	}
	loc, err := time.LoadLocation("Africa/Nairobi")
	if err != nil {
		loc = time.FixedZone("EAT", 3*60*60)
	}
	return &Generator{dir: dir, business: business, loc: loc}, nil
}

// Path is where the receipt for bookingID lives.
func (g *Generator) Path(bookingID string) string {
	return filepath.Join(g.dir, "receipt-"+sanitize(bookingID)+".pdf")
}

// Generate renders and writes the receipt, replacing any previous file.
func (g *Generator) Generate(_ context.Context, b ledger.Booking, p ledger.Payment) (string, error) {
	if p.Status != ledger.PaymentSuccess || p.BookingID != b.ID {
		return "", ErrNotPaid
	}
	data, err := g.render(b, p)
	if err != nil {
		return "", fmt.Errorf("render receipt: %w", err)
	}
	path := g.Path(b.ID)
	if err := writeAtomic(g.dir, path, data); err != nil {
		return "", fmt.Errorf("write receipt: %w", err)
	}
	return path, nil
}

func (g *Generator) render(b ledger.Booking, p ledger.Payment) ([]byte, error) {
	rows := []row{
		{"Receipt No:", p.Receipt},
		{"Booking ID:", b.ID},
		{"Customer:", b.CustomerName},
		{"Phone:", b.Phone},
		{"Service:", b.ServiceName},
		{"Scheduled:", b.ScheduledAt.In(g.loc).Format("Mon 02 Jan 2006 15:04")},
		{"Deposit paid:", "KES " + p.Amount.StringFixed(2)},
		{"Paid via:", "M-Pesa"},
		{"Confirmed:", p.UpdatedAt.In(g.loc).Format("02 Jan 2006 15:04:05")},
	}

	pdf := fpdf.New("P", "mm", "A5", "")
	pdf.SetCompression(false)
	pdf.SetTitle("Booking receipt "+p.Receipt, true)
	pdf.SetCreator(g.business, true)
	tr := pdf.UnicodeTranslatorFromDescriptor("")
	pdf.AddPage()

	pdf.SetFont("Helvetica", "B", 16)
	pdf.CellFormat(0, 10, tr(g.business), "", 1, "C", false, 0, "")
	pdf.SetFont("Helvetica", "", 12)
	pdf.CellFormat(0, 8, "BOOKING RECEIPT", "B", 1, "C", false, 0, "")
	pdf.Ln(4)
	for _, r := range rows {
		pdf.SetFont("Helvetica", "B", 11)
		pdf.CellFormat(35, 7, r.label, "", 0, "L", false, 0, "")
		pdf.SetFont("Helvetica", "", 11)
		pdf.CellFormat(0, 7, tr(r.value), "", 1, "L", false, 0, "")
	}
	pdf.Ln(6)
	pdf.SetFont("Helvetica", "I", 10)
	pdf.CellFormat(0, 6, "Thank you for booking with us.", "T", 1, "C", false, 0, "")

	var buf bytes.Buffer
	if err := pdf.Output(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func writeAtomic(dir, path string, data []byte) error {
	f, err := os.CreateTemp(dir, ".receipt-*")
	if err != nil {
		return err
	}
	defer os.Remove(f.Name())
	if _, err := f.Write(data); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	if err := os.Chmod(f.Name(), 0o644); err != nil {
		return err
	}
	return os.Rename(f.Name(), path)
}

// Open returns the stored receipt for bookingID.
func (g *Generator) Open(bookingID string) ([]byte, error) {
	data, err := os.ReadFile(g.Path(bookingID))
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrNotPaid
	}
	return data, err
}

// Task renders the receipt for each confirmation.
func (g *Generator) Task() sideeffect.Task {
	return sideeffect.NewTask("receipt", func(ctx context.Context, c sideeffect.Confirmation) (string, error) {
		return g.Generate(ctx, c.Booking, c.Payment)
	})
}

func sanitize(id string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		}
		return '_'
	}, id)
}
