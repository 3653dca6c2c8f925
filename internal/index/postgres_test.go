package index

import (
	"errors"
	"testing"

	"github.com/lib/pq"
)

func TestClassifyDriverErrors(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want error
	}{
		{"unique violation", &pq.Error{Code: "23505"}, ErrConflict},
		{"connection exception", &pq.Error{Code: "08006"}, ErrTransient},
		{"insufficient resources", &pq.Error{Code: "53300"}, ErrTransient},
		{"operator intervention", &pq.Error{Code: "57P01"}, ErrTransient},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := classify(tt.err); !errors.Is(got, tt.want) {
				t.Errorf("classify(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}

func TestClassifyLeavesOtherErrorsAlone(t *testing.T) {
	plain := errors.New("syntax error")
	if got := classify(plain); got != plain {
		t.Errorf("classify rewrote %v into %v", plain, got)
	}

	constraint := &pq.Error{Code: "23503"}
	if got := classify(constraint); errors.Is(got, ErrConflict) || errors.Is(got, ErrTransient) {
		t.Errorf("foreign key violation misclassified as %v", got)
	}
}
