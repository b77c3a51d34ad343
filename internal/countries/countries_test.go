package countries

import "testing"

func TestLoadIsNonEmptyAndCached(t *testing.T) {
	t1 := Load()
	if len(t1) == 0 {
		t.Fatalf("expected Load to return a non-empty continent table")
	}
	t2 := Load()
	if len(t1) != len(t2) {
		t.Fatalf("Load returned differently-sized tables across calls")
	}
}

func TestFindKnownCountry(t *testing.T) {
	tbl := Load()
	c, ok := tbl.Find("CH")
	if !ok {
		t.Fatalf("expected to find country code CH")
	}
	if c.Name != "Switzerland" || c.Currency != "CHF" {
		t.Fatalf("unexpected country data for CH: %+v", c)
	}
	if c.Validator != "CH_AHV" {
		t.Fatalf("expected CH's validator to be CH_AHV, got %q", c.Validator)
	}
}

func TestFindUnknownCountry(t *testing.T) {
	if _, ok := Load().Find("ZZ"); ok {
		t.Fatalf("did not expect to find a country for code ZZ")
	}
}

func TestContinentsCoversEveryLoadedCountry(t *testing.T) {
	tbl := Load()
	total := 0
	for _, continent := range tbl.Continents() {
		total += len(tbl[continent])
	}
	want := 0
	for _, countries := range tbl {
		want += len(countries)
	}
	if total != want {
		t.Fatalf("Continents() does not account for every country: got %d, want %d", total, want)
	}
}
