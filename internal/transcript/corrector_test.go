package transcript

import (
	"testing"
)

func TestCorrector_SnapsMisheardTerm(t *testing.T) {
	t.Parallel()

	c := New([]string{"Kvasir", "pgvector"})
	got, corrections := c.Correct("tell me about kvaseer")
	if got != "tell me about Kvasir" {
		t.Errorf("corrected = %q, want %q", got, "tell me about Kvasir")
	}
	if len(corrections) != 1 {
		t.Fatalf("corrections = %d, want 1", len(corrections))
	}
	if corrections[0].Original != "kvaseer" || corrections[0].Corrected != "Kvasir" {
		t.Errorf("correction = %+v", corrections[0])
	}
	if corrections[0].Confidence <= 0 {
		t.Error("correction confidence should be positive")
	}
}

func TestCorrector_ExactTermNotRecorded(t *testing.T) {
	t.Parallel()

	c := New([]string{"Kvasir"})
	got, corrections := c.Correct("kvasir is a voice agent")
	if got != "Kvasir is a voice agent" {
		t.Errorf("corrected = %q, want canonical casing", got)
	}
	if len(corrections) != 0 {
		t.Errorf("corrections = %v, want none for an exact match", corrections)
	}
}

func TestCorrector_MultiWordTerm(t *testing.T) {
	t.Parallel()

	c := New([]string{"Hall of Mirrors"})
	got, corrections := c.Correct("meet me at the hall of meers tonight")
	if got != "meet me at the Hall of Mirrors tonight" {
		t.Errorf("corrected = %q", got)
	}
	if len(corrections) != 1 {
		t.Fatalf("corrections = %d, want 1", len(corrections))
	}
	if corrections[0].Original != "hall of meers" {
		t.Errorf("original = %q, want %q", corrections[0].Original, "hall of meers")
	}
}

func TestCorrector_PreservesPunctuation(t *testing.T) {
	t.Parallel()

	c := New([]string{"Kvasir"})
	got, _ := c.Correct("have you heard of kvaseer?")
	if got != "have you heard of Kvasir?" {
		t.Errorf("corrected = %q, want punctuation preserved", got)
	}
}

func TestCorrector_UnrelatedTextUnchanged(t *testing.T) {
	t.Parallel()

	c := New([]string{"Kvasir"})
	in := "the weather is lovely today"
	got, corrections := c.Correct(in)
	if got != in {
		t.Errorf("corrected = %q, want unchanged input", got)
	}
	if len(corrections) != 0 {
		t.Errorf("corrections = %v, want none", corrections)
	}
}

func TestCorrector_EmptyGlossary(t *testing.T) {
	t.Parallel()

	c := New(nil)
	in := "anything at all"
	got, corrections := c.Correct(in)
	if got != in || corrections != nil {
		t.Errorf("Correct = %q, %v; want input unchanged and no corrections", got, corrections)
	}
}

func TestCorrector_FuzzyThresholdRejectsWeakMatches(t *testing.T) {
	t.Parallel()

	// "cat" shares no phonetics or spelling with the glossary; it must
	// survive untouched even with a permissive phonetic threshold.
	c := New([]string{"Kvasir"}, WithPhoneticThreshold(0.5))
	got, _ := c.Correct("the cat sat down")
	if got != "the cat sat down" {
		t.Errorf("corrected = %q, want unchanged", got)
	}
}
