// Package export writes a report as an xlsx workbook for the downstream
// formatter: one summary and one series sheet per dose, schedule sheets
// for later doses, and data quality sheets.
package export

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/rs/zerolog/log"
	"github.com/xuri/excelize/v2"

	"stealthcompany.com/vaccinecoverage/internal/patient"
	"stealthcompany.com/vaccinecoverage/internal/report"
)

// RunSheet holds the run metadata.
const RunSheet = "Run"

var (
	summaryHeader  = []string{"Group", "Feature", "Category", "Vaccinated", "Prior week vaccinated", "Total", "Percent", "Weekly rate", "Percent increase", "Status", "Projected date"}
	seriesHeader   = []string{"Group", "Feature", "Category", "Date", "Vaccinated", "Total", "Percent", "Clamped"}
	scheduleHeader = []string{"Group", "Feature", "Category", "Due", "Given", "Overdue", "Percent given", "Percent overdue", "Positive error", "Negative error", "Total"}
	qualityHeader  = []string{"Group", "Column", "Known", "Total", "Percent"}
	careHomeHeader = []string{"Care home flag", "Patients", "Percent"}
)

var doseLabels = map[string]string{
	patient.FirstDose:  "First dose",
	patient.SecondDose: "Second dose",
	patient.ThirdDose:  "Third dose",
}

// SheetName returns the sheet a dose table is written to.
func SheetName(dose, table string) string {
	label, ok := doseLabels[dose]
	if !ok {
		label = dose
	}
	name := label + " " + table
	if len(name) > excelize.MaxSheetNameLength {
		name = name[:excelize.MaxSheetNameLength]
	}
	return name
}

// Workbook builds the workbook. The caller closes the returned file.
func Workbook(rep *report.Report) (*excelize.File, error) {
	f := excelize.NewFile()
	w := &writer{f: f}

	headerStyle, err := f.NewStyle(&excelize.Style{
		Font: &excelize.Font{Bold: true},
		Fill: excelize.Fill{Type: "pattern", Color: []string{"#E6F3FF"}, Pattern: 1},
	})
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to create header style: %w", err)
	}
	w.headerStyle = headerStyle

	w.sheet(RunSheet, []string{"Field", "Value"}, [][]interface{}{
		{"Run ID", rep.RunID},
		{"Generated at", rep.GeneratedAt.Format("2006-01-02 15:04:05")},
		{"Reference date", rep.ReferenceDate},
		{"Target percent", rep.Target},
		{"Patients", rep.Patients},
	})

	for _, d := range rep.Doses {
		var rows [][]interface{}
		for _, r := range d.Summary {
			row := []interface{}{r.Group, r.Feature, r.Category, r.Vaccinated, r.PriorVaccinated}
			if !r.CountOnly {
				p := r.Projection
				row = append(row, *r.Total, *r.Percent, p.WeeklyRate, p.PercentIncrease, string(p.Status), patient.FormatDate(p.ProjectedDate))
			}
			rows = append(rows, row)
		}
		w.sheet(SheetName(d.DoseField, "summary"), summaryHeader, rows)

		rows = nil
		for _, g := range d.Coverage.Groups {
			for _, feat := range g.Features {
				for _, s := range feat.Series {
					for _, pt := range s.Points {
						rows = append(rows, []interface{}{g.Name, feat.Name, s.Category, patient.FormatDate(pt.Date), pt.Vaccinated, pt.Total, pt.Percent, pt.Clamped})
					}
				}
			}
		}
		w.sheet(SheetName(d.DoseField, "series"), seriesHeader, rows)

		if d.Schedule != nil {
			rows = nil
			for _, r := range d.Schedule.Rows {
				rows = append(rows, []interface{}{r.Group, r.Feature, r.Category, r.Due, r.Given, r.Overdue, r.PercentGiven, r.PercentOverdue, r.PosError, r.NegError, r.Total})
			}
			w.sheet(SheetName(d.DoseField, "schedule"), scheduleHeader, rows)
		}
	}

	var rows [][]interface{}
	for _, c := range rep.Completeness {
		rows = append(rows, []interface{}{c.Group, c.Column, c.Known, c.Total, c.Percent})
	}
	w.sheet("Data quality", qualityHeader, rows)

	if c := rep.CareHomeFlags; c != nil {
		totalPct := 0.0
		if c.Total > 0 {
			totalPct = 100
		}
		w.sheet("Care home flags", careHomeHeader, [][]interface{}{
			{"address flag only", c.AddressOnly, c.AddressOnlyPercent},
			{"clinical code only", c.CodeOnly, c.CodeOnlyPercent},
			{"both", c.Both, c.BothPercent},
			{"total", c.Total, totalPct},
		})
	}

	if w.err != nil {
		f.Close()
		return nil, w.err
	}
	if err := f.DeleteSheet("Sheet1"); err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to drop default sheet: %w", err)
	}
	if idx, err := f.GetSheetIndex(RunSheet); err == nil {
		f.SetActiveSheet(idx)
	}
	return f, nil
}

// Write streams the workbook to out.
func Write(rep *report.Report, out io.Writer) error {
	f, err := Workbook(rep)
	if err != nil {
		return err
	}
	defer f.Close()
	if _, err := f.WriteTo(out); err != nil {
		return fmt.Errorf("failed to write workbook: %w", err)
	}
	return nil
}

// WriteFile writes the workbook to path atomically.
func WriteFile(rep *report.Report, path string) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".workbook-*.xlsx")
	if err != nil {
		return fmt.Errorf("failed to create workbook file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if err := Write(rep, tmp); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close workbook file: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("failed to move workbook into place: %w", err)
	}
	return nil
}

// Hook returns a report hook writing every new report to path.
func Hook(path string) report.Hook {
	return func(rep *report.Report) error {
		if err := WriteFile(rep, path); err != nil {
			return err
		}
		log.Info().Str("path", path).Str("run_id", rep.RunID).Msg("Workbook written")
		return nil
	}
}

// writer keeps the first error so sheets can be written in sequence.
type writer struct {
	f           *excelize.File
	headerStyle int
	err         error
}

func (w *writer) sheet(name string, header []string, rows [][]interface{}) {
	if w.err != nil {
		return
	}
	if _, err := w.f.NewSheet(name); err != nil {
		w.err = fmt.Errorf("failed to create sheet %s: %w", name, err)
		return
	}

	hdr := make([]interface{}, len(header))
	for i, h := range header {
		hdr[i] = h
	}
	if err := w.f.SetSheetRow(name, "A1", &hdr); err != nil {
		w.err = fmt.Errorf("failed to write header of %s: %w", name, err)
		return
	}
	last, err := excelize.CoordinatesToCellName(len(header), 1)
	if err != nil {
		w.err = fmt.Errorf("failed to convert coordinates: %w", err)
		return
	}
	if err := w.f.SetCellStyle(name, "A1", last, w.headerStyle); err != nil {
		w.err = fmt.Errorf("failed to style header of %s: %w", name, err)
		return
	}

	for i, row := range rows {
		cell, err := excelize.CoordinatesToCellName(1, i+2)
		if err != nil {
			w.err = fmt.Errorf("failed to convert coordinates: %w", err)
			return
		}
		if err := w.f.SetSheetRow(name, cell, &row); err != nil {
			w.err = fmt.Errorf("failed to write %s row %d: %w", name, i+2, err)
			return
		}
	}
}
