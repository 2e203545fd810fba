package kernels

import (
	"math"
	"testing"
)

func TestRBFKernel(t *testing.T) {
	tests := []struct {
		name     string
		x1       []float64
		x2       []float64
		ls       float64
		sv       float64
		expected float64
	}{
		{
			name:     "same point",
			x1:       []float64{1.0, 2.0},
			x2:       []float64{1.0, 2.0},
			ls:       1.0,
			sv:       1.0,
			expected: 1.0,
		},
		{
			name:     "different points",
			x1:       []float64{0.0, 0.0},
			x2:       []float64{1.0, 1.0},
			ls:       1.0,
			sv:       1.0,
			expected: math.Exp(-1.0), // exp(-0.5 * (1+1) / 1^2)
		},
		{
			name:     "with different length scale",
			x1:       []float64{0.0, 0.0},
			x2:       []float64{2.0, 2.0},
			ls:       2.0,
			sv:       1.0,
			expected: math.Exp(-1.0), // exp(-0.5 * (2^2 + 2^2) / 2^2)
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			kernel := NewRBFKernel(tt.ls, tt.sv)
			result := kernel.Eval(tt.x1, tt.x2)

			if math.Abs(result-tt.expected) > 1e-10 {
				t.Errorf("expected %v, got %v", tt.expected, result)
			}

			// Test symmetry
			result2 := kernel.Eval(tt.x2, tt.x1)
			if math.Abs(result-result2) > 1e-10 {
				t.Error("kernel is not symmetric")
			}
		})
	}
}

func TestMatern52Kernel(t *testing.T) {
	tests := []struct {
		name           string
		lengthScale    float64
		signalVariance float64
		x1, x2         []float64
		expected       float64
	}{
		{
			name:           "same point",
			lengthScale:    1.0,
			signalVariance: 1.0,
			x1:             []float64{1.0, 2.0},
			x2:             []float64{1.0, 2.0},
			expected:       1.0,
		},
		{
			name:           "different points",
			lengthScale:    1.0,
			signalVariance: 1.0,
			x1:             []float64{0.0, 0.0},
			x2:             []float64{1.0, 1.0},
			// Expected value calculated manually
			expected:       (1.0 + math.Sqrt(5)*math.Sqrt(2) + (5.0/3.0)*2) * math.Exp(-math.Sqrt(5)*math.Sqrt(2)),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			kernel := NewMatern52Kernel(tt.lengthScale, tt.signalVariance)
			result := kernel.Eval(tt.x1, tt.x2)

			if math.Abs(result-tt.expected) > 1e-10 {
				t.Errorf("expected %v, got %v", tt.expected, result)
			}

			// Test symmetry
			result2 := kernel.Eval(tt.x2, tt.x1)
			if math.Abs(result-result2) > 1e-10 {
				t.Error("kernel is not symmetric")
			}
		})
	}
}

func TestMaternUnitVarianceKernels(t *testing.T) {
	r := math.Sqrt(0.5*0.5+0.5*0.5) / 0.5
	tests := []struct {
		name     string
		kernel   Kernel
		x1, x2   []float64
		expected float64
	}{
		{
			name:     "matern32 same point",
			kernel:   NewMatern32Kernel(0.1),
			x1:       []float64{0.3},
			x2:       []float64{0.3},
			expected: 1.0,
		},
		{
			name:     "matern32 different points",
			kernel:   NewMatern32Kernel(0.5),
			x1:       []float64{0.0, 0.0},
			x2:       []float64{0.5, 0.5},
			expected: (1 + math.Sqrt(3)*r) * math.Exp(-math.Sqrt(3)*r),
		},
		{
			name:     "matern12 different points",
			kernel:   NewMatern12Kernel(0.5),
			x1:       []float64{0.0, 0.0},
			x2:       []float64{0.5, 0.5},
			expected: math.Exp(-r),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := tt.kernel.Eval(tt.x1, tt.x2)
			if math.Abs(result-tt.expected) > 1e-10 {
				t.Errorf("expected %v, got %v", tt.expected, result)
			}
			if !tt.kernel.IsRadial() {
				t.Error("matern kernels with unit variance must be radial")
			}
		})
	}
}

func TestIsRadial(t *testing.T) {
	tests := []struct {
		name   string
		kernel Kernel
		want   bool
	}{
		{"matern32", NewMatern32Kernel(0.1), true},
		{"matern12", NewMatern12Kernel(0.1), true},
		{"rbf unit variance", NewRBFKernel(0.1, 1.0), true},
		{"rbf scaled", NewRBFKernel(0.1, 2.0), false},
		{"matern52 scaled", NewMatern52Kernel(0.1, 0.5), false},
		{"linear", NewLinearKernel(1.0), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.kernel.IsRadial(); got != tt.want {
				t.Errorf("IsRadial() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestKernelHyperparameters(t *testing.T) {
	tests := []struct {
		name     string
		kernel   Kernel
		params   []float64
		wantErr  bool
		errorMsg string
	}{
		{
			name:     "RBF valid params",
			kernel:   NewRBFKernel(1.0, 1.0),
			params:   []float64{2.0, 3.0},
			wantErr:  false,
			errorMsg: "",
		},
		{
			name:     "RBF invalid params count",
			kernel:   NewRBFKernel(1.0, 1.0),
			params:   []float64{1.0},
			wantErr:  true,
			errorMsg: "expected 2 hyperparameters, got 1",
		},
		{
			name:     "RBF invalid param value",
			kernel:   NewRBFKernel(1.0, 1.0),
			params:   []float64{-1.0, 1.0},
			wantErr:  true,
			errorMsg: "hyperparameters must be positive, got [-1 1]",
		},
		{
			name:     "Matern52 valid params",
			kernel:   NewMatern52Kernel(1.0, 1.0),
			params:   []float64{2.0, 3.0},
			wantErr:  false,
			errorMsg: "",
		},
		{
			name:     "Matern32 valid params",
			kernel:   NewMatern32Kernel(0.1),
			params:   []float64{0.2},
			wantErr:  false,
			errorMsg: "",
		},
		{
			name:     "Matern32 invalid params count",
			kernel:   NewMatern32Kernel(0.1),
			params:   []float64{0.2, 1.0},
			wantErr:  true,
			errorMsg: "expected 1 hyperparameter, got 2",
		},
		{
			name:     "Matern12 invalid param value",
			kernel:   NewMatern12Kernel(0.1),
			params:   []float64{0},
			wantErr:  true,
			errorMsg: "hyperparameters must be positive, got [0]",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.kernel.SetHyperparameters(tt.params)

			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error, got nil")
				}
				if err.Error() != tt.errorMsg {
					t.Errorf("expected error message '%s', got '%s'", tt.errorMsg, err.Error())
				}
			} else {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}

				// Verify hyperparameters were set correctly
				params := tt.kernel.Hyperparameters()
				if len(params) != len(tt.params) {
					t.Fatalf("expected %d parameters, got %d", len(tt.params), len(params))
				}
				for i, p := range params {
					if p != tt.params[i] {
						t.Errorf("parameter %d: expected %v, got %v", i, tt.params[i], p)
					}
				}
			}
		})
	}
}

func TestNewByName(t *testing.T) {
	tests := []struct {
		name    string
		wantErr bool
	}{
		{"", false},
		{"matern32", false},
		{"matern12", false},
		{"matern52", false},
		{"rbf", false},
		{"periodic", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			k, err := New(tt.name, 0.2)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("New(%q) succeeded, want error", tt.name)
				}
				return
			}
			if err != nil {
				t.Fatalf("New(%q) error = %v", tt.name, err)
			}
			if !k.IsRadial() {
				t.Errorf("New(%q) is not radial", tt.name)
			}
			if got := k.Hyperparameters()[0]; got != 0.2 {
				t.Errorf("length scale = %v, want 0.2", got)
			}
			if got := k.Eval([]float64{0.3}, []float64{0.3}); math.Abs(got-1) > 1e-12 {
				t.Errorf("k(x,x) = %v, want 1", got)
			}
		})
	}

	if _, err := New("matern32", 0); err == nil {
		t.Error("New with zero length scale succeeded")
	}
}
