package progress

import "testing"

func TestDisabledBarIsNoOp(t *testing.T) {
	b := New(false, 10)
	b.Set(5)
	b.Describe("working")
	b.Finish("done")
}

func TestEnabledSpinnerAcceptsUpdates(t *testing.T) {
	b := New(true, -1)
	b.Describe("scanning")
	b.Set(3)
	b.Finish("done")
}
