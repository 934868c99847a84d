package kernel

import "testing"

func TestKernelError(t *testing.T) {
	err := &Error{
		Module:  "foo",
		Message: "error message",
	}

	if err.Error() != err.Message {
		t.Fatalf("expected to err.Error() to return %q; got %q", err.Message, err.Error())
	}
}

func TestErrorf(t *testing.T) {
	err := Errorf("loader", "could not open %s: 0x%x", "RK_KERNEL.ELF", uint64(0x800000000000000e))

	if exp := "loader"; err.Module != exp {
		t.Errorf("expected module to be %q; got %q", exp, err.Module)
	}

	if exp := "could not open RK_KERNEL.ELF: 0x800000000000000e"; err.Error() != exp {
		t.Errorf("expected message to be %q; got %q", exp, err.Error())
	}
}
