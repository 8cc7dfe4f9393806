package analytics

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/multiforms/backend/internal/models"
)

func sub(answers models.Answers) models.Submission {
	return models.Submission{ID: uuid.New(), Answers: answers, CreatedAt: time.Date(2024, 6, 1, 10, 0, 0, 0, time.UTC)}
}

func floatp(f float64) *float64 { return &f }

func choiceQuestion(t models.QuestionType) models.Question {
	return models.Question{
		ID:   "q1",
		Text: "Favourite colour",
		Type: t,
		Options: models.QuestionOptions{Choices: []models.Choice{
			{ID: "A", Label: "Red"}, {ID: "B", Label: "Green"}, {ID: "C"},
		}},
	}
}

func TestAggregateSingleChoice(t *testing.T) {
	q := choiceQuestion(models.QuestionSingleChoice)
	subs := []models.Submission{
		sub(models.Answers{"q1": "A"}),
		sub(models.Answers{"q1": "B"}),
		sub(models.Answers{"q1": "A"}),
		sub(models.Answers{}),
	}

	got := Aggregate([]models.Question{q}, subs)
	require.Len(t, got, 1)
	st := got[0]
	assert.Equal(t, 3, st.ResponseCount)
	assert.Equal(t, 1, st.SkipCount)
	require.Len(t, st.Choices, 3)
	assert.Equal(t, ChoiceCount{ChoiceID: "A", Label: "Red", Count: 2, Percentage: 66.67}, st.Choices[0])
	assert.Equal(t, ChoiceCount{ChoiceID: "B", Label: "Green", Count: 1, Percentage: 33.33}, st.Choices[1])
	assert.Equal(t, ChoiceCount{ChoiceID: "C", Label: "C", Count: 0, Percentage: 0}, st.Choices[2])
}

func TestAggregateNumericChoiceIDs(t *testing.T) {
	q := models.Question{ID: "q1", Type: models.QuestionSingleChoice, Options: models.QuestionOptions{
		Choices: []models.Choice{{ID: "1", Label: "One"}, {ID: "2", Label: "Two"}},
	}}
	got := Aggregate([]models.Question{q}, []models.Submission{
		sub(models.Answers{"q1": float64(1)}),
		sub(models.Answers{"q1": "2"}),
	})
	require.Len(t, got, 1)
	assert.Equal(t, 1, got[0].Choices[0].Count)
	assert.Equal(t, 1, got[0].Choices[1].Count)
}

func TestAggregateMultipleChoicePercentOfResponders(t *testing.T) {
	q := choiceQuestion(models.QuestionMultipleChoice)
	subs := []models.Submission{
		sub(models.Answers{"q1": []any{"A", "B"}}),
		sub(models.Answers{"q1": []any{"A"}}),
		sub(models.Answers{"q1": []any{}}),
	}

	st := Aggregate([]models.Question{q}, subs)[0]
	assert.Equal(t, 2, st.ResponseCount)
	assert.Equal(t, 1, st.SkipCount)
	assert.Equal(t, 2, st.Choices[0].Count)
	assert.Equal(t, 100.0, st.Choices[0].Percentage)
	assert.Equal(t, 1, st.Choices[1].Count)
	assert.Equal(t, 50.0, st.Choices[1].Percentage)
}

func TestAggregateRating(t *testing.T) {
	q := models.Question{ID: "r", Type: models.QuestionRating}
	subs := []models.Submission{
		sub(models.Answers{"r": float64(5)}),
		sub(models.Answers{"r": float64(4)}),
		sub(models.Answers{"r": float64(5)}),
		sub(models.Answers{"r": "3"}),
	}

	st := Aggregate([]models.Question{q}, subs)[0]
	require.NotNil(t, st.Numeric)
	n := st.Numeric
	assert.Equal(t, 4, n.Count)
	assert.Equal(t, 4.25, n.Mean)
	assert.Equal(t, 4.5, n.Median)
	assert.Equal(t, 3.0, n.Min)
	assert.Equal(t, 5.0, n.Max)
	assert.Equal(t, 0.83, n.StdDev)

	hist := make([]int, 0, len(n.Histogram))
	for _, b := range n.Histogram {
		hist = append(hist, b.Count)
	}
	assert.Equal(t, []int{0, 0, 1, 1, 2}, hist)
	assert.Equal(t, "1", n.Histogram[0].Label)
}

func TestAggregateNumberHistogram(t *testing.T) {
	q := models.Question{ID: "n", Type: models.QuestionNumber, Options: models.QuestionOptions{
		NumberMin: floatp(0), NumberMax: floatp(100),
	}}
	subs := []models.Submission{
		sub(models.Answers{"n": float64(5)}),
		sub(models.Answers{"n": float64(15)}),
		sub(models.Answers{"n": float64(100)}),
		sub(models.Answers{"n": float64(150)}),
	}

	n := Aggregate([]models.Question{q}, subs)[0].Numeric
	require.Len(t, n.Histogram, 10)
	assert.Equal(t, 4, n.Count)
	assert.Equal(t, 1, n.Histogram[0].Count)
	assert.Equal(t, 1, n.Histogram[1].Count)
	assert.Equal(t, 1, n.Histogram[9].Count)
	assert.Equal(t, "90-100", n.Histogram[9].Label)
	assert.Equal(t, 150.0, n.Max)
}

func TestAggregateNumberWithoutBoundsOrData(t *testing.T) {
	q := models.Question{ID: "n", Type: models.QuestionNumber}
	n := Aggregate([]models.Question{q}, nil)[0].Numeric
	require.NotNil(t, n)
	assert.NotNil(t, n.Histogram)
	assert.Empty(t, n.Histogram)
	assert.Zero(t, n.Count)
}

func TestAggregateText(t *testing.T) {
	q := models.Question{ID: "t", Type: models.QuestionText}
	subs := []models.Submission{
		sub(models.Answers{"t": "hello"}),
		sub(models.Answers{"t": "héllo wörld"}),
		sub(models.Answers{"t": "   "}),
	}

	st := Aggregate([]models.Question{q}, subs)[0]
	require.NotNil(t, st.Text)
	assert.Equal(t, 2, st.Text.NonEmpty)
	assert.Equal(t, 8.0, st.Text.AvgLength)
	assert.Equal(t, 1, st.SkipCount)
}

func TestAggregateLegacyTypeIsText(t *testing.T) {
	q := models.Question{ID: "e", Type: "email"}
	st := Aggregate([]models.Question{q}, []models.Submission{sub(models.Answers{"e": "a@b.co"})})[0]
	assert.Equal(t, models.QuestionText, st.Type)
	require.NotNil(t, st.Text)
	assert.Equal(t, 1, st.Text.NonEmpty)
}

func TestAggregateMatrix(t *testing.T) {
	q := models.Question{ID: "m", Type: models.QuestionMatrix, Options: models.QuestionOptions{
		MatrixRows: []string{"r1", "r2"}, MatrixColumns: []string{"c1", "c2"},
	}}
	subs := []models.Submission{
		sub(models.Answers{"m": map[string]any{"r1": "c1", "r2": "c2"}}),
		sub(models.Answers{"m": map[string]any{"r1": "c1", "zz": "c1"}}),
	}

	m := Aggregate([]models.Question{q}, subs)[0].Matrix
	require.NotNil(t, m)
	assert.Equal(t, map[string]map[string]int{
		"r1": {"c1": 2, "c2": 0},
		"r2": {"c1": 0, "c2": 1},
	}, m.Counts)
}

func TestAggregateSorting(t *testing.T) {
	q := models.Question{ID: "s", Type: models.QuestionSorting, Options: models.QuestionOptions{
		SortableItems: []string{"a", "b", "c"},
	}}
	subs := []models.Submission{
		sub(models.Answers{"s": []any{"a", "b", "c"}}),
		sub(models.Answers{"s": []any{"b", "a", "c"}}),
	}

	got := Aggregate([]models.Question{q}, subs)[0].Ranking
	assert.Equal(t, []ItemRank{
		{Item: "a", AveragePosition: 1.5, FirstPlace: 1},
		{Item: "b", AveragePosition: 1.5, FirstPlace: 1},
		{Item: "c", AveragePosition: 3, FirstPlace: 0},
	}, got)
}

func TestAggregateFileCount(t *testing.T) {
	q := models.Question{ID: "f", Type: models.QuestionFileUpload}
	subs := []models.Submission{
		sub(models.Answers{"f": []any{
			map[string]any{"id": "1", "name": "a.png", "size": float64(10), "type": "image/png"},
			map[string]any{"id": "2", "name": "b.png", "size": float64(10), "type": "image/png"},
		}}),
	}
	st := Aggregate([]models.Question{q}, subs)[0]
	require.NotNil(t, st.FileCount)
	assert.Equal(t, 2, *st.FileCount)
}

func TestAggregateIgnoresRemovedQuestions(t *testing.T) {
	q := choiceQuestion(models.QuestionSingleChoice)
	subs := []models.Submission{
		sub(models.Answers{"q1": "A", "gone": "whatever"}),
		sub(models.Answers{"gone": "whatever"}),
	}

	got := Aggregate([]models.Question{q}, subs)
	require.Len(t, got, 1)
	assert.Equal(t, 1, got[0].ResponseCount)
	assert.Equal(t, 1, got[0].SkipCount)
	assert.Equal(t, 1, got[0].Choices[0].Count)
}

func TestAggregateDuplicateReplayIsIdempotent(t *testing.T) {
	qs := []models.Question{choiceQuestion(models.QuestionSingleChoice), {ID: "r", Type: models.QuestionRating}}
	subs := []models.Submission{
		sub(models.Answers{"q1": "A", "r": float64(4)}),
		sub(models.Answers{"q1": "B", "r": float64(2)}),
	}
	replayed := append(append([]models.Submission{}, subs...), subs[0], subs[0])

	assert.Equal(t, Aggregate(qs, subs), Aggregate(qs, replayed))
}

func TestAggregateZeroSubmissions(t *testing.T) {
	qs := []models.Question{
		choiceQuestion(models.QuestionSingleChoice),
		{ID: "r", Type: models.QuestionRating},
		{ID: "t", Type: models.QuestionText},
	}
	got := Aggregate(qs, []models.Submission{})
	require.Len(t, got, 3)
	for _, st := range got {
		assert.Zero(t, st.ResponseCount, st.QuestionID)
		assert.Zero(t, st.SkipCount, st.QuestionID)
	}
	for _, c := range got[0].Choices {
		assert.Zero(t, c.Count)
	}
	assert.Len(t, got[1].Numeric.Histogram, 5)
}
