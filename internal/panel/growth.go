package panel

import (
	"github.com/rotisserie/eris"
)

// AddGrowth adds the column variable[_sector]_{yy}_{yy} holding the change of
// source between base and target. The source columns are
// {source}[_{sector}]_{year}. The result is Integer when both inputs are.
func AddGrowth(f *Frame, variable, source, sector string, base, target int) (Column, error) {
	from := Column{Variable: source, Sector: sector, Year: base}
	to := Column{Variable: source, Sector: sector, Year: target}
	a, ok := f.Values(from)
	if !ok {
		return Column{}, eris.Errorf("panel: growth needs column %s", from.Name())
	}
	b, ok := f.Values(to)
	if !ok {
		return Column{}, eris.Errorf("panel: growth needs column %s", to.Name())
	}

	kind := Float
	if f.Kind(from) == Integer && f.Kind(to) == Integer {
		kind = Integer
	}
	out := Column{Variable: variable, Sector: sector, Year: target, BaseYear: base}
	v, err := f.AddColumn(out, kind)
	if err != nil {
		return Column{}, err
	}
	for i := range v {
		v[i] = b[i] - a[i]
	}
	return out, nil
}
