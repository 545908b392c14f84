// Package export renders prescription records as PDF documents and CSV
// tables.
package export

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"

	"github.com/signintech/gopdf"

	"github.com/drfirst/go-rxassist/internal/domain/prescription"
)

const (
	documentTitle = "Smart Prescription Assistant"
	disclaimer    = "Disclaimer: for educational purposes only. Not a substitute for professional medical advice."
	fontName      = "DejaVu"
	textWidth     = 500.0
)

// DefaultFontPaths are tried in order when no font path is configured.
var DefaultFontPaths = []string{
	"/usr/share/fonts/truetype/dejavu/DejaVuSans.ttf",
	"/usr/share/fonts/ttf-dejavu/DejaVuSans.ttf",
	"/usr/share/fonts/dejavu/DejaVuSans.ttf",
}

// ErrNoFont is returned when no usable TrueType font is found
var ErrNoFont = errors.New("no TrueType font available for PDF rendering")

// Renderer produces one-page prescription PDFs. It is safe for concurrent
// use.
type Renderer struct {
	font     []byte
	fontPath string
}

// NewRenderer loads the font at fontPath, or the first of DefaultFontPaths
// that exists when fontPath is empty.
func NewRenderer(fontPath string) (*Renderer, error) {
	candidates := DefaultFontPaths
	if fontPath != "" {
		candidates = []string{fontPath}
	}

	var lastErr error
	for _, path := range candidates {
		data, err := os.ReadFile(path)
		if err != nil {
			lastErr = err
			continue
		}
		return &Renderer{font: data, fontPath: path}, nil
	}
	return nil, fmt.Errorf("%w: %v", ErrNoFont, lastErr)
}

// FontPath returns the path of the loaded font
func (r *Renderer) FontPath() string { return r.fontPath }

// Render writes rec as a PDF to w.
func (r *Renderer) Render(w io.Writer, rec *prescription.Record) error {
	pdf := gopdf.GoPdf{}
	pdf.Start(gopdf.Config{PageSize: *gopdf.PageSizeA4})
	pdf.AddPage()

	if err := pdf.AddTTFFontData(fontName, r.font); err != nil {
		return fmt.Errorf("load font: %w", err)
	}

	if err := pdf.SetFont(fontName, "", 18); err != nil {
		return err
	}
	pdf.SetXY(50, 50)
	if err := pdf.Cell(nil, documentTitle); err != nil {
		return err
	}
	pdf.Br(35)

	if err := pdf.SetFont(fontName, "", 12); err != nil {
		return err
	}
	for _, field := range Fields(rec) {
		if err := writeWrapped(&pdf, field.Label+": "+field.Value, 16); err != nil {
			return err
		}
	}

	pdf.Br(20)
	if err := pdf.SetFont(fontName, "", 9); err != nil {
		return err
	}
	if err := writeWrapped(&pdf, disclaimer, 12); err != nil {
		return err
	}

	if _, err := pdf.WriteTo(w); err != nil {
		return fmt.Errorf("write pdf: %w", err)
	}
	return nil
}

// RenderBytes renders rec into memory
func (r *Renderer) RenderBytes(rec *prescription.Record) ([]byte, error) {
	var buf bytes.Buffer
	if err := r.Render(&buf, rec); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func writeWrapped(pdf *gopdf.GoPdf, text string, lineHeight float64) error {
	lines, err := pdf.SplitText(text, textWidth)
	if err != nil {
		return err
	}
	for _, l := range lines {
		pdf.SetX(50)
		if err := pdf.Cell(nil, l); err != nil {
			return err
		}
		pdf.Br(lineHeight)
	}
	return nil
}

// Field is one labelled value of a rendered record
type Field struct {
	Label string
	Value string
}

// Fields lists the values shown for a record, in display order.
func Fields(rec *prescription.Record) []Field {
	fields := []Field{
		{"Time", rec.CreatedAt.Local().Format(prescription.TimestampLayout)},
	}
	if rec.PatientName != "" {
		fields = append(fields, Field{"Patient", rec.PatientName})
	}
	if rec.PatientID != "" {
		fields = append(fields, Field{"Patient ID", rec.PatientID})
	}
	return append(fields,
		Field{"Age", strconv.Itoa(rec.Input.Age)},
		Field{"Gender", string(rec.Input.Gender)},
		Field{"Weight", strconv.Itoa(rec.Input.Weight) + " kg"},
		Field{"Disease", string(rec.Input.Disease)},
		Field{"Severity", string(rec.Input.Severity)},
		Field{"Symptom Score", strconv.Itoa(rec.Input.SymptomScore)},
		Field{"Drug", rec.Result.Drug},
		Field{"Dosage", rec.Result.Dosage()},
		Field{"Precaution", rec.Result.Precaution},
		Field{"Model", rec.ModelVersion},
	)
}

// FileName is the download name for a record's PDF
func FileName(rec *prescription.Record) string {
	return "prescription_" + rec.ID.String() + ".pdf"
}
