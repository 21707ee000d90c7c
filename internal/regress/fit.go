// Package regress estimates the nearshoring coefficient tables from the long
// panel: pooled OLS and Poisson models with cluster-robust standard errors.
package regress

import (
	"math"

	"github.com/rotisserie/eris"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat/distuv"
)

// Family is the error distribution of a model.
type Family int

const (
	Gaussian Family = iota
	Poisson
)

func (f Family) String() string {
	if f == Poisson {
		return "poisson"
	}
	return "ols"
}

// Model is a fitted regression.
type Model struct {
	Family Family
	Names  []string
	Coef   []float64
	SE     []float64
	P      []float64
	CILow  []float64
	CIHigh []float64

	N        int
	Groups   int // 0 when standard errors are not clustered
	LogLik   float64
	AIC      float64
	R2       float64
	AdjR2    float64
	PseudoR2 float64
	// Iterations is the IRLS iteration count for Poisson fits.
	Iterations int
}

// Index returns the position of a regressor or -1.
func (m *Model) Index(name string) int {
	for i, n := range m.Names {
		if n == name {
			return i
		}
	}
	return -1
}

const (
	maxIterations = 100
	tolerance     = 1e-10
)

// FitOLS estimates d by least squares.
func FitOLS(d *Design) (*Model, error) {
	n, k, err := d.check()
	if err != nil {
		return nil, err
	}

	var qr mat.QR
	qr.Factorize(d.X)
	var beta mat.VecDense
	if err := qr.SolveVecTo(&beta, false, mat.NewVecDense(n, d.Y)); err != nil {
		return nil, eris.Wrap(err, "regress: ols design is collinear")
	}

	bread, err := bread(d.X, nil)
	if err != nil {
		return nil, err
	}

	resid := make([]float64, n)
	var rss, mean, tss float64
	for i := range n {
		resid[i] = d.Y[i] - mat.Dot(d.X.RowView(i), &beta)
		rss += resid[i] * resid[i]
		mean += d.Y[i]
	}
	mean /= float64(n)
	for _, y := range d.Y {
		tss += (y - mean) * (y - mean)
	}

	m := &Model{Family: Gaussian, Names: d.Names, Coef: vec(&beta), N: n}
	m.LogLik = -float64(n) / 2 * (math.Log(2*math.Pi) + math.Log(rss/float64(n)) + 1)
	m.AIC = -2*m.LogLik + 2*float64(k)
	if tss > 0 {
		m.R2 = 1 - rss/tss
		m.AdjR2 = 1 - (1-m.R2)*float64(n-1)/float64(n-k)
	}

	var cov *mat.SymDense
	if d.Groups != nil {
		cov, m.Groups = clusterCov(d, bread, resid, k)
	} else {
		cov = mat.NewSymDense(k, nil)
		cov.ScaleSym(rss/float64(n-k), bread)
	}

	df := float64(n - k)
	if m.Groups > 0 {
		df = float64(m.Groups - 1)
	}
	m.inference(cov, distuv.StudentsT{Mu: 0, Sigma: 1, Nu: df})
	return m, nil
}

// FitPoisson estimates a log-link Poisson model by iteratively reweighted
// least squares.
func FitPoisson(d *Design) (*Model, error) {
	n, k, err := d.check()
	if err != nil {
		return nil, err
	}
	var ybar float64
	for _, y := range d.Y {
		if y < 0 {
			return nil, eris.Errorf("regress: poisson outcome %g is negative", y)
		}
		ybar += y
	}
	ybar /= float64(n)
	if ybar == 0 {
		return nil, eris.New("regress: poisson outcome is all zero")
	}

	mu := make([]float64, n)
	eta := make([]float64, n)
	for i, y := range d.Y {
		mu[i] = (y + ybar) / 2
		eta[i] = math.Log(mu[i])
	}

	var (
		beta mat.VecDense
		dev  = math.Inf(1)
		iter int
	)
	for iter = 1; iter <= maxIterations; iter++ {
		z := make([]float64, n)
		for i := range n {
			z[i] = eta[i] + (d.Y[i]-mu[i])/mu[i]
		}
		b, err := weightedSolve(d.X, mu, z)
		if err != nil {
			return nil, err
		}
		beta.CloneFromVec(b)

		for i := range n {
			eta[i] = mat.Dot(d.X.RowView(i), &beta)
			mu[i] = math.Exp(eta[i])
		}
		next := deviance(d.Y, mu)
		if math.IsNaN(next) || math.IsInf(next, 0) {
			return nil, eris.New("regress: poisson fit diverged")
		}
		if math.Abs(next-dev)/(math.Abs(next)+0.1) < tolerance {
			dev = next
			break
		}
		dev = next
	}
	if iter > maxIterations {
		return nil, eris.Errorf("regress: poisson fit did not converge in %d iterations", maxIterations)
	}

	bread, err := bread(d.X, mu)
	if err != nil {
		return nil, err
	}

	m := &Model{Family: Poisson, Names: d.Names, Coef: vec(&beta), N: n, Iterations: iter}
	m.LogLik = poissonLogLik(d.Y, mu)
	null := make([]float64, n)
	for i := range null {
		null[i] = ybar
	}
	m.PseudoR2 = 1 - m.LogLik/poissonLogLik(d.Y, null)
	m.AIC = -2*m.LogLik + 2*float64(k)

	cov := bread
	if d.Groups != nil {
		resid := make([]float64, n)
		for i := range n {
			resid[i] = d.Y[i] - mu[i]
		}
		cov, m.Groups = clusterCov(d, bread, resid, k)
	}
	m.inference(cov, distuv.UnitNormal)
	return m, nil
}

type quantiler interface {
	CDF(x float64) float64
	Quantile(p float64) float64
}

func (m *Model) inference(cov *mat.SymDense, dist quantiler) {
	k := len(m.Coef)
	m.SE = make([]float64, k)
	m.P = make([]float64, k)
	m.CILow = make([]float64, k)
	m.CIHigh = make([]float64, k)
	crit := dist.Quantile(0.975)
	for j := range k {
		se := math.Sqrt(math.Max(cov.At(j, j), 0))
		m.SE[j] = se
		if se > 0 {
			m.P[j] = 2 * (1 - dist.CDF(math.Abs(m.Coef[j]/se)))
		} else {
			m.P[j] = math.NaN()
		}
		m.CILow[j] = m.Coef[j] - crit*se
		m.CIHigh[j] = m.Coef[j] + crit*se
	}
}

// bread returns (XᵀWX)⁻¹; a nil w means unit weights.
func bread(x *mat.Dense, w []float64) (*mat.SymDense, error) {
	var xtx mat.SymDense
	xtx.SymOuterK(1, scaleRows(x, w).T())
	var chol mat.Cholesky
	if ok := chol.Factorize(&xtx); !ok {
		return nil, eris.New("regress: design is collinear")
	}
	var inv mat.SymDense
	if err := chol.InverseTo(&inv); err != nil {
		return nil, eris.Wrap(err, "regress: invert cross product")
	}
	return &inv, nil
}

// weightedSolve returns the weighted least squares solution of z on x.
func weightedSolve(x *mat.Dense, w, z []float64) (*mat.VecDense, error) {
	xw := scaleRows(x, w)
	zw := make([]float64, len(z))
	for i := range z {
		zw[i] = z[i] * math.Sqrt(w[i])
	}

	var xtx mat.SymDense
	xtx.SymOuterK(1, xw.T())
	var chol mat.Cholesky
	if ok := chol.Factorize(&xtx); !ok {
		return nil, eris.New("regress: weighted design is collinear")
	}
	var rhs, beta mat.VecDense
	rhs.MulVec(xw.T(), mat.NewVecDense(len(zw), zw))
	if err := chol.SolveVecTo(&beta, &rhs); err != nil {
		return nil, eris.Wrap(err, "regress: weighted solve")
	}
	return &beta, nil
}

// scaleRows multiplies row i of x by sqrt(w[i]).
func scaleRows(x *mat.Dense, w []float64) *mat.Dense {
	if w == nil {
		return x
	}
	var out mat.Dense
	out.CloneFrom(x)
	r, _ := out.Dims()
	for i := range r {
		s := math.Sqrt(w[i])
		row := out.RawRowView(i)
		for j := range row {
			row[j] *= s
		}
	}
	return &out
}

// clusterCov returns the cluster-robust sandwich B·M·B with the usual small
// sample correction G/(G-1)·(N-1)/(N-K), and the number of clusters.
func clusterCov(d *Design, bread *mat.SymDense, resid []float64, k int) (*mat.SymDense, int) {
	index := make(map[string]int)
	var scores [][]float64
	for i, g := range d.Groups {
		c, ok := index[g]
		if !ok {
			c = len(scores)
			index[g] = c
			scores = append(scores, make([]float64, k))
		}
		row := d.X.RawRowView(i)
		for j := range k {
			scores[c][j] += row[j] * resid[i]
		}
	}

	meat := mat.NewSymDense(k, nil)
	for _, s := range scores {
		meat.SymRankOne(meat, 1, mat.NewVecDense(k, s))
	}

	var bm, sandwich mat.Dense
	bm.Mul(bread, meat)
	sandwich.Mul(&bm, bread)

	n, groups := len(d.Y), len(scores)
	scale := 1.0
	if groups > 1 && n > k {
		scale = float64(groups) / float64(groups-1) * float64(n-1) / float64(n-k)
	}
	cov := mat.NewSymDense(k, nil)
	for i := range k {
		for j := i; j < k; j++ {
			// Average the two triangles; the product is symmetric up to rounding.
			cov.SetSym(i, j, scale*(sandwich.At(i, j)+sandwich.At(j, i))/2)
		}
	}
	return cov, groups
}

func deviance(y, mu []float64) float64 {
	var d float64
	for i := range y {
		if y[i] > 0 {
			d += y[i] * math.Log(y[i]/mu[i])
		}
		d -= y[i] - mu[i]
	}
	return 2 * d
}

func poissonLogLik(y, mu []float64) float64 {
	var ll float64
	for i := range y {
		lg, _ := math.Lgamma(y[i] + 1)
		ll += -mu[i] - lg
		if y[i] > 0 {
			ll += y[i] * math.Log(mu[i])
		}
	}
	return ll
}

func vec(v *mat.VecDense) []float64 {
	out := make([]float64, v.Len())
	for i := range out {
		out[i] = v.AtVec(i)
	}
	return out
}
