package gen

import "testing"

func TestKeeperAdvance(t *testing.T) {
	k := NewKeeper()
	if k.Stable() != MinGen-1 || k.Unstable() != MinGen {
		t.Fatalf("fresh keeper = (%d, %d), want (%d, %d)", k.Stable(), k.Unstable(), MinGen-1, MinGen)
	}

	stable, unstable, err := k.Advance()
	if err != nil {
		t.Fatalf("Advance: %v", err)
	}
	if stable != MinGen || unstable != MinGen+1 {
		t.Errorf("Advance = (%d, %d), want (%d, %d)", stable, unstable, MinGen, MinGen+1)
	}
}

func TestSetGenerationBounds(t *testing.T) {
	k := NewKeeper()

	if err := k.SetGeneration(MaxGen); err != nil {
		t.Fatalf("SetGeneration(MaxGen): %v", err)
	}
	if k.Unstable() != MaxGen {
		t.Fatalf("Unstable() = %d, want MaxGen", k.Unstable())
	}

	if err := k.SetGeneration(MaxGen + 1); err == nil {
		t.Error("SetGeneration(MaxGen+1): want error")
	}
	if err := k.SetGeneration(MinGen - 1); err == nil {
		t.Error("SetGeneration(MinGen-1): want error")
	}
}

func TestRestoreRejectsInverted(t *testing.T) {
	if _, err := Restore(10, 5); err == nil {
		t.Error("Restore(10, 5): want error, unstable < stable")
	}
}
