package main

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	outputJSON, envFile = false, ""

	cmd := NewRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestSolve(t *testing.T) {
	out, err := execute(t, "solve", "4 x 5 = ?")
	if err != nil {
		t.Fatalf("solve error = %v", err)
	}
	for _, want := range []string{"Expression:  4*5", "Calculation: 4*5 = 4*5=20 = 20", "Result:      20"} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
}

func TestSolveJSON(t *testing.T) {
	out, err := execute(t, "--json", "solve", "9+0-75")
	if err != nil {
		t.Fatalf("solve error = %v", err)
	}
	var got struct {
		Result     int64  `json:"result"`
		Expression string `json:"expression"`
	}
	if err := json.Unmarshal([]byte(out), &got); err != nil {
		t.Fatalf("output is not JSON: %q", out)
	}
	if got.Result != 2 || got.Expression != "9+0-7" {
		t.Errorf("solve = %+v, want 9+0-7 = 2", got)
	}
}

func TestSolveRejectsOperatorFreeText(t *testing.T) {
	if _, err := execute(t, "solve", "1234"); err == nil {
		t.Fatal("solve accepted text without an operator")
	}
}

func TestVersion(t *testing.T) {
	out, err := execute(t, "version")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(out, "captchactl dev") {
		t.Errorf("version output = %q", out)
	}
}
