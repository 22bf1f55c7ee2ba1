package migrate

import "testing"

func TestRunRejectsInvalidDSN(t *testing.T) {
	if err := Run("postgres://cinder@localhost:notaport/cinder", ""); err == nil {
		t.Fatal("expected error for an unparsable dsn")
	}
}
