package sentiment

import "testing"

func TestAnalyzeFrustratedLearner(t *testing.T) {
	r := Analyze("Ugh, this is too hard, I give up!!")
	if r.Mood != Frustrated {
		t.Fatalf("expected frustrated, got %s", r.Mood)
	}
	if !r.Mood.Negative() {
		t.Fatal("frustrated must count as negative")
	}
}

func TestAnalyzeConfusedLearner(t *testing.T) {
	r := Analyze("Sorry?? What do you mean by receipt??")
	if r.Mood != Confused {
		t.Fatalf("expected confused, got %s", r.Mood)
	}
}

func TestAnalyzeChineseTired(t *testing.T) {
	r := Analyze("我好累，想休息一下")
	if r.Mood != Tired {
		t.Fatalf("expected tired, got %s", r.Mood)
	}
}

func TestAnalyzePositiveAndNeutral(t *testing.T) {
	if r := Analyze("Thanks, that makes sense!"); r.Mood != Positive {
		t.Fatalf("expected positive, got %s", r.Mood)
	}
	r := Analyze("I would like a medium latte to go")
	if r.Mood != Neutral || r.Score != 0 {
		t.Fatalf("expected neutral with zero score, got %s/%d", r.Mood, r.Score)
	}
	if r.Mood.Negative() {
		t.Fatal("neutral is not negative")
	}
}
