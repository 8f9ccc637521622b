package helpers

import (
	"testing"
)

func TestSHA1(t *testing.T) {
	s, err := SHA1([]byte("abc"))
	if err != nil {
		t.Fatalf("SHA1: %v", err)
	}
	if s != "a9993e364706816aba3e25717850c26c9cd0d89d" {
		t.Errorf("SHA1(abc) = %s", s)
	}
}

func TestKeyHash(t *testing.T) {
	a := KeyHash("models-v1", "GET /a")
	b := KeyHash("models-v2", "GET /a")
	c := KeyHash("models-v1", "GET /a")

	if len(a) != 40 {
		t.Errorf("KeyHash length = %d should be 40", len(a))
	}
	if a == b {
		t.Error("KeyHash should differ between buckets")
	}
	if a != c {
		t.Error("KeyHash should be stable")
	}

	// The separator stops "ab"+"c" colliding with "a"+"bc"
	if KeyHash("ab", "c") == KeyHash("a", "bc") {
		t.Error("KeyHash collided across the separator")
	}
}

func TestNameHash(t *testing.T) {
	if got := NameHash("abc"); got != "a9993e364706816aba3e25717850c26c9cd0d89d" {
		t.Errorf("NameHash(abc) = %s", got)
	}
	if NameHash("models-v1") == KeyHash("models-v1", "") {
		t.Error("NameHash should not collide with an empty entry key")
	}
}

func TestDSN(t *testing.T) {
	c := DBConfig{
		Host:     "localhost",
		Port:     5432,
		Database: "modelcache",
		Username: "cache",
		Password: "secret",
	}

	want := "user=cache dbname=modelcache host=localhost port=5432 password=secret sslmode=disable"
	if got := c.DSN(); got != want {
		t.Errorf("DSN() = %q should be %q", got, want)
	}
}
