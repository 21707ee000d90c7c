package regress

import (
	"fmt"
	"math"
	"strconv"

	"github.com/rotisserie/eris"

	"github.com/sells-group/nearshore-cli/internal/tabular"
)

// Column is one labelled model of a comparison table.
type Column struct {
	Label string
	Model *Model
}

// Structural lists the regressors shown in the comparison table, in order.
var Structural = []string{XCluster, WXCluster, XUSATrend, XCDMXTrend, XPortTrend}

// Stars returns the significance marker of a p-value.
func Stars(p float64) string {
	switch {
	case p < 0.01:
		return "***"
	case p < 0.05:
		return "**"
	case p < 0.1:
		return "*"
	}
	return ""
}

// Comparison renders models side by side: a coefficient row with stars and a
// standard error row per structural regressor, then diagnostics. Cells of
// regressors a model lacks are empty.
func Comparison(cols []Column) tabular.Sheet {
	s := tabular.Sheet{Name: "Table 1", Header: []string{""}}
	for _, c := range cols {
		s.Header = append(s.Header, c.Label)
	}

	for _, name := range Structural {
		coef := []string{name}
		se := []string{name + "_SE"}
		for _, c := range cols {
			j := c.Model.Index(name)
			if j < 0 {
				coef = append(coef, "")
				se = append(se, "")
				continue
			}
			coef = append(coef, fmt.Sprintf("%.4f%s", c.Model.Coef[j], Stars(c.Model.P[j])))
			se = append(se, fmt.Sprintf("(%.4f)", c.Model.SE[j]))
		}
		s.Rows = append(s.Rows, coef, se)
	}

	diag := func(label string, f func(*Model) string) {
		row := []string{label}
		for _, c := range cols {
			row = append(row, f(c.Model))
		}
		s.Rows = append(s.Rows, row)
	}
	diag("Observations", func(m *Model) string { return strconv.Itoa(m.N) })
	diag("Adj. R-squared", func(m *Model) string {
		if m.Family != Gaussian {
			return ""
		}
		return fmt.Sprintf("%.3f", m.AdjR2)
	})
	diag("Pseudo R-squared", func(m *Model) string {
		if m.Family != Poisson {
			return ""
		}
		return fmt.Sprintf("%.3f", m.PseudoR2)
	})
	diag("Log Likelihood", func(m *Model) string { return fmt.Sprintf("%.1f", m.LogLik) })
	diag("AIC", func(m *Model) string { return fmt.Sprintf("%.1f", m.AIC) })
	return s
}

// Coefficients renders one model as a numeric table: estimate, standard
// error, p-value and 95% interval per regressor, then diagnostics.
func Coefficients(m *Model) tabular.Sheet {
	s := tabular.Sheet{
		Name:   "Table 2",
		Header: []string{"", "Coeff", "SE", "P_Value", "CI_Lower", "CI_Upper"},
	}
	for j, name := range m.Names {
		s.Rows = append(s.Rows, []string{
			name, num(m.Coef[j]), num(m.SE[j]), num(m.P[j]), num(m.CILow[j]), num(m.CIHigh[j]),
		})
	}
	s.Rows = append(s.Rows,
		[]string{"Observations", strconv.Itoa(m.N), "", "", "", ""},
		[]string{"Adj. R-Squared", num(m.AdjR2), "", "", "", ""},
		[]string{"AIC", num(m.AIC), "", "", "", ""},
	)
	return s
}

func num(v float64) string {
	if math.IsNaN(v) {
		return ""
	}
	return strconv.FormatFloat(v, 'g', -1, 64)
}

// Write saves a table as CSV and, when xlsxPath is set, as a workbook.
func Write(s tabular.Sheet, csvPath, xlsxPath string) error {
	if err := tabular.WriteCSV(csvPath, s.Header, s.Rows); err != nil {
		return eris.Wrap(err, "regress: write table")
	}
	if xlsxPath == "" {
		return nil
	}
	if err := tabular.WriteXLSX(xlsxPath, s); err != nil {
		return eris.Wrap(err, "regress: write workbook")
	}
	return nil
}
