// Package formula generates the arithmetic sheets both diggers quiz from.
// Both sides of a race derive the same sheet from the session id, so no
// extra traffic is needed to share it.
package formula

import (
	"fmt"
	"hash/fnv"
	"math/rand/v2"
)

// DefaultSheetSize is how many questions a race sheet carries. Larger than
// any finish line in practice; the sheet wraps around if a race outlives it.
const DefaultSheetSize = 40

// Question is one prompt with three answer choices, exactly one correct.
type Question struct {
	Prompt  string `json:"prompt"`
	Choices [3]int `json:"choices"`
	Answer  int    `json:"answer"` // index into Choices
}

// Sheet is an ordered run of questions shared by one session.
type Sheet struct {
	Questions []Question `json:"questions"`
}

// At returns the question for a zero-based position, wrapping around the
// sheet.
func (s Sheet) At(i int) Question {
	return s.Questions[i%len(s.Questions)]
}

// Check reports whether the picked choice index answers the question.
func Check(q Question, choice int) bool {
	return choice == q.Answer
}

// Generate produces count random questions from the supplied source.
func Generate(rnd *rand.Rand, count int) Sheet {
	if count <= 0 {
		count = DefaultSheetSize
	}
	questions := make([]Question, 0, count)
	for i := 0; i < count; i++ {
		questions = append(questions, randomQuestion(rnd))
	}
	return Sheet{Questions: questions}
}

// ForSession derives a deterministic sheet from the session id.
func ForSession(sessionID string, count int) Sheet {
	h := fnv.New64a()
	h.Write([]byte(sessionID))
	seed := h.Sum64()
	return Generate(rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15)), count)
}

func randomQuestion(rnd *rand.Rand) Question {
	var result int
	var prompt string

	switch rnd.IntN(3) {
	case 0:
		a, b := rnd.IntN(20)+1, rnd.IntN(20)+1
		result = a + b
		prompt = fmt.Sprintf("%d + %d = ?", a, b)
	case 1:
		a := rnd.IntN(20) + 5
		b := rnd.IntN(a)
		result = a - b
		prompt = fmt.Sprintf("%d - %d = ?", a, b)
	default:
		a, b := rnd.IntN(9)+2, rnd.IntN(9)+2
		result = a * b
		prompt = fmt.Sprintf("%d * %d = ?", a, b)
	}

	q := Question{Prompt: prompt, Answer: rnd.IntN(3)}
	q.Choices[q.Answer] = result
	for i := range q.Choices {
		if i == q.Answer {
			continue
		}
		q.Choices[i] = distractor(rnd, result, q.Choices, i)
	}
	return q
}

// distractor picks a wrong answer close to the result that does not collide
// with choices already filled in.
func distractor(rnd *rand.Rand, result int, taken [3]int, upto int) int {
	for {
		d := result + rnd.IntN(9) - 4
		if d == result || d < 0 {
			continue
		}
		clash := false
		for i := 0; i <= upto; i++ {
			if taken[i] == d {
				clash = true
				break
			}
		}
		if !clash {
			return d
		}
	}
}
