package autopilot

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func TestRecipe_Validate(t *testing.T) {
	cases := []struct {
		name    string
		recipe  Recipe
		wantErr bool
	}{
		{"valid", Recipe{Name: "briefing", IntervalSecs: 3600, Instructions: "do it"}, false},
		{"bad name", Recipe{Name: "Not Valid!", IntervalSecs: 60, Instructions: "x"}, true},
		{"one second interval", Recipe{Name: "fast", IntervalSecs: 1, Instructions: "x"}, false},
		{"zero interval", Recipe{Name: "never", IntervalSecs: 0, Instructions: "x"}, true},
		{"negative interval", Recipe{Name: "backwards", IntervalSecs: -60, Instructions: "x"}, true},
		{"empty instructions", Recipe{Name: "empty", IntervalSecs: 60, Instructions: "  "}, true},
	}
	for _, tc := range cases {
		err := tc.recipe.Validate()
		if tc.wantErr && !errors.Is(err, ErrBadRecipe) {
			t.Errorf("%s: err = %v, want ErrBadRecipe", tc.name, err)
		}
		if !tc.wantErr && err != nil {
			t.Errorf("%s: err = %v", tc.name, err)
		}
	}
}

func TestSaveLoadRecipeFile(t *testing.T) {
	dir := t.TempDir()
	rec := Recipe{
		Name:          "briefing",
		IntervalSecs:  3600,
		Instructions:  "summarize the morning",
		Enabled:       true,
		Tools:         []string{"local"},
		TriggerEvents: []string{"session.failed"},
	}
	path, err := SaveRecipeFile(dir, rec)
	if err != nil {
		t.Fatalf("SaveRecipeFile: %v", err)
	}
	got, err := LoadRecipeFile(path)
	if err != nil {
		t.Fatalf("LoadRecipeFile: %v", err)
	}
	if !recipeEqual(got, rec) {
		t.Fatalf("round trip = %+v, want %+v", got, rec)
	}
}

func TestLoadRecipeFile_NameFromFilename(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "nightly.yaml")
	if err := os.WriteFile(path, []byte("interval_secs: 600\ninstructions: run the nightly checks\n"), 0644); err != nil {
		t.Fatal(err)
	}
	rec, err := LoadRecipeFile(path)
	if err != nil {
		t.Fatalf("LoadRecipeFile: %v", err)
	}
	if rec.Name != "nightly" {
		t.Fatalf("name = %q", rec.Name)
	}
}

func TestLoadDir_SkipsBrokenFiles(t *testing.T) {
	dir := t.TempDir()
	if _, err := SaveRecipeFile(dir, Recipe{Name: "good", IntervalSecs: 60, Instructions: "x"}); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "broken.yaml"), []byte(":\t:::not yaml"), 0644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("ignored"), 0644); err != nil {
		t.Fatal(err)
	}

	var badPaths []string
	recipes, err := LoadDir(dir, func(path string, err error) { badPaths = append(badPaths, path) })
	if err != nil {
		t.Fatalf("LoadDir: %v", err)
	}
	if len(recipes) != 1 || recipes[0].Name != "good" {
		t.Fatalf("recipes = %+v", recipes)
	}
	if len(badPaths) != 1 {
		t.Fatalf("badPaths = %v", badPaths)
	}
}

func TestLoadDir_MissingDirIsEmpty(t *testing.T) {
	recipes, err := LoadDir(filepath.Join(t.TempDir(), "nope"), nil)
	if err != nil || recipes != nil {
		t.Fatalf("LoadDir = (%v, %v)", recipes, err)
	}
}

func TestTemplates(t *testing.T) {
	tpls := Templates()
	if len(tpls) != 2 {
		t.Fatalf("templates = %d", len(tpls))
	}
	briefing, ok := FindTemplate("briefing")
	if !ok || briefing.Recipe.IntervalSecs != 3600 {
		t.Fatalf("briefing = %+v", briefing)
	}
	digest, ok := FindTemplate("digest")
	if !ok || digest.Recipe.IntervalSecs != 7200 {
		t.Fatalf("digest = %+v", digest)
	}
	for _, tpl := range tpls {
		if tpl.Recipe.Enabled {
			t.Errorf("template %s enabled by default", tpl.Name)
		}
		if err := tpl.Recipe.Validate(); err != nil {
			t.Errorf("template %s invalid: %v", tpl.Name, err)
		}
	}
	if _, ok := FindTemplate("nope"); ok {
		t.Fatal("found nonexistent template")
	}
}
