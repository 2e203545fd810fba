package kernels

import (
	"fmt"
	"math"
)

// Kernel represents a kernel function for Gaussian Processes
type Kernel interface {
	// Eval computes the kernel value between two points x1 and x2
	Eval(x1, x2 []float64) float64

	// Hyperparameters returns the current hyperparameters
	Hyperparameters() []float64

	// SetHyperparameters sets the kernel's hyperparameters
	SetHyperparameters(params []float64) error

	// IsRadial reports whether the kernel depends only on ||x1-x2|| and has
	// unit output variance, so that k(x,x) = 1 for every x.
	IsRadial() bool
}

func euclidean(x1, x2 []float64) float64 {
	sumSq := 0.0
	for i := range x1 {
		diff := x1[i] - x2[i]
		sumSq += diff * diff
	}
	return math.Sqrt(sumSq)
}

func setLengthScale(dst *float64, params []float64) error {
	if len(params) != 1 {
		return fmt.Errorf("expected 1 hyperparameter, got %d", len(params))
	}
	if params[0] <= 0 {
		return fmt.Errorf("hyperparameters must be positive, got %v", params)
	}
	*dst = params[0]
	return nil
}

// Matern32Kernel implements the Matérn kernel with smoothness 3/2 and unit
// output variance.
type Matern32Kernel struct {
	lengthScale float64
}

// NewMatern32Kernel creates a new Matérn 3/2 kernel with the given length scale
func NewMatern32Kernel(lengthScale float64) *Matern32Kernel {
	if lengthScale <= 0 {
		panic(fmt.Sprintf("lengthScale must be positive, got %v", lengthScale))
	}
	return &Matern32Kernel{lengthScale: lengthScale}
}

// Eval computes (1 + sqrt(3) r) exp(-sqrt(3) r) with r = ||x1-x2|| / lengthScale
func (k *Matern32Kernel) Eval(x1, x2 []float64) float64 {
	r := math.Sqrt(3) * euclidean(x1, x2) / k.lengthScale
	return (1 + r) * math.Exp(-r)
}

// Hyperparameters returns the length scale
func (k *Matern32Kernel) Hyperparameters() []float64 {
	return []float64{k.lengthScale}
}

// SetHyperparameters sets the length scale
func (k *Matern32Kernel) SetHyperparameters(params []float64) error {
	return setLengthScale(&k.lengthScale, params)
}

// IsRadial always returns true
func (k *Matern32Kernel) IsRadial() bool { return true }

// Matern12Kernel implements the exponential (Matérn 1/2) kernel with unit
// output variance.
type Matern12Kernel struct {
	lengthScale float64
}

// NewMatern12Kernel creates a new Matérn 1/2 kernel with the given length scale
func NewMatern12Kernel(lengthScale float64) *Matern12Kernel {
	if lengthScale <= 0 {
		panic(fmt.Sprintf("lengthScale must be positive, got %v", lengthScale))
	}
	return &Matern12Kernel{lengthScale: lengthScale}
}

// Eval computes exp(-||x1-x2|| / lengthScale)
func (k *Matern12Kernel) Eval(x1, x2 []float64) float64 {
	return math.Exp(-euclidean(x1, x2) / k.lengthScale)
}

// Hyperparameters returns the length scale
func (k *Matern12Kernel) Hyperparameters() []float64 {
	return []float64{k.lengthScale}
}

// SetHyperparameters sets the length scale
func (k *Matern12Kernel) SetHyperparameters(params []float64) error {
	return setLengthScale(&k.lengthScale, params)
}

// IsRadial always returns true
func (k *Matern12Kernel) IsRadial() bool { return true }

// LinearKernel implements k(x1, x2) = bias + x1·x2. It is not stationary.
type LinearKernel struct {
	bias float64
}

// NewLinearKernel creates a new linear kernel
func NewLinearKernel(bias float64) *LinearKernel {
	return &LinearKernel{bias: bias}
}

// Eval computes bias + x1·x2
func (k *LinearKernel) Eval(x1, x2 []float64) float64 {
	sum := k.bias
	for i := range x1 {
		sum += x1[i] * x2[i]
	}
	return sum
}

// Hyperparameters returns the bias
func (k *LinearKernel) Hyperparameters() []float64 {
	return []float64{k.bias}
}

// SetHyperparameters sets the bias
func (k *LinearKernel) SetHyperparameters(params []float64) error {
	if len(params) != 1 {
		return fmt.Errorf("expected 1 hyperparameter, got %d", len(params))
	}
	k.bias = params[0]
	return nil
}

// IsRadial always returns false
func (k *LinearKernel) IsRadial() bool { return false }

// RBFKernel implements the Radial Basis Function (squared exponential) kernel
type RBFKernel struct {
	// Length scale parameter (larger = smoother function)
	lengthScale float64
	// Signal variance (controls the amplitude of the function)
	signalVar float64
}

// NewRBFKernel creates a new RBF kernel with the given parameters
func NewRBFKernel(lengthScale, signalVar float64) *RBFKernel {
	if lengthScale <= 0 {
		panic(fmt.Sprintf("lengthScale must be positive, got %v", lengthScale))
	}
	if signalVar <= 0 {
		panic(fmt.Sprintf("signalVar must be positive, got %v", signalVar))
	}
	return &RBFKernel{
		lengthScale: lengthScale,
		signalVar:   signalVar,
	}
}

// Eval computes the RBF kernel value between x1 and x2
func (k *RBFKernel) Eval(x1, x2 []float64) float64 {
	d := euclidean(x1, x2)
	r2 := d * d / (2.0 * k.lengthScale * k.lengthScale)
	return k.signalVar * math.Exp(-r2)
}

// IsRadial reports whether the signal variance is exactly one
func (k *RBFKernel) IsRadial() bool { return k.signalVar == 1 }

// Hyperparameters returns the current hyperparameters
func (k *RBFKernel) Hyperparameters() []float64 {
	return []float64{k.lengthScale, k.signalVar}
}

// SetHyperparameters sets the kernel's hyperparameters
func (k *RBFKernel) SetHyperparameters(params []float64) error {
	if len(params) != 2 {
		return fmt.Errorf("expected 2 hyperparameters, got %d", len(params))
	}
	if params[0] <= 0 || params[1] <= 0 {
		return fmt.Errorf("hyperparameters must be positive, got %v", params)
	}
	k.lengthScale = params[0]
	k.signalVar = params[1]
	return nil
}

// Matern52Kernel implements the Matérn 5/2 kernel
type Matern52Kernel struct {
	// Length scale parameter (larger = smoother function)
	lengthScale float64
	// Signal variance (controls the amplitude of the function)
	signalVar float64
}

// NewMatern52Kernel creates a new Matérn 5/2 kernel with the given parameters
func NewMatern52Kernel(lengthScale, signalVar float64) *Matern52Kernel {
	if lengthScale <= 0 {
		panic(fmt.Sprintf("lengthScale must be positive, got %v", lengthScale))
	}
	if signalVar <= 0 {
		panic(fmt.Sprintf("signalVar must be positive, got %v", signalVar))
	}
	return &Matern52Kernel{
		lengthScale: lengthScale,
		signalVar:   signalVar,
	}
}

// IsRadial reports whether the signal variance is exactly one
func (k *Matern52Kernel) IsRadial() bool { return k.signalVar == 1 }

// Eval computes the Matérn 5/2 kernel value between x1 and x2
func (k *Matern52Kernel) Eval(x1, x2 []float64) float64 {
	r := euclidean(x1, x2) / k.lengthScale
	polyTerm := 1.0 + math.Sqrt(5)*r + (5.0/3.0)*r*r
	expTerm := math.Exp(-math.Sqrt(5)*r)
	return k.signalVar * polyTerm * expTerm
}

// Hyperparameters returns the current hyperparameters
func (k *Matern52Kernel) Hyperparameters() []float64 {
	return []float64{k.lengthScale, k.signalVar}
}

// SetHyperparameters sets the kernel's hyperparameters
func (k *Matern52Kernel) SetHyperparameters(params []float64) error {
	if len(params) != 2 {
		return fmt.Errorf("expected 2 hyperparameters, got %d", len(params))
	}
	if params[0] <= 0 || params[1] <= 0 {
		return fmt.Errorf("hyperparameters must be positive, got %v", params)
	}
	k.lengthScale = params[0]
	k.signalVar = params[1]
	return nil
}

// New returns the unit-variance kernel called name with the given length
// scale. Known names are matern12, matern32, matern52 and rbf; the empty
// name selects matern32.
func New(name string, lengthScale float64) (Kernel, error) {
	if lengthScale <= 0 {
		return nil, fmt.Errorf("lengthScale must be positive, got %v", lengthScale)
	}
	switch name {
	case "", "matern32":
		return NewMatern32Kernel(lengthScale), nil
	case "matern12":
		return NewMatern12Kernel(lengthScale), nil
	case "matern52":
		return NewMatern52Kernel(lengthScale, 1), nil
	case "rbf":
		return NewRBFKernel(lengthScale, 1), nil
	}
	return nil, fmt.Errorf("unknown kernel %q", name)
}
