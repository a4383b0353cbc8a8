package learning

import (
	"fmt"
	"strings"

	"github.com/fyrsmithlabs/arcache/internal/retrieval"
)

const lessonsHeader = "\n\nLessons from previous attempts:\n"

// enrich appends the lessons of results, in rank order, to task.Input.
//
// When maxBytes > 0 and the rendered text would exceed it, whole memories
// are dropped from the lowest-ranked end until it fits. The original input is
// never cut. It returns the input and the number of memories dropped.
func enrich(task Task, results []retrieval.Result, maxBytes int) (Input, []retrieval.Result, int) {
	kept := results
	for {
		in := render(task, kept)
		if maxBytes <= 0 || len(in.Text) <= maxBytes || len(kept) == 0 {
			return in, kept, len(results) - len(kept)
		}
		kept = kept[:len(kept)-1]
	}
}

func render(task Task, results []retrieval.Result) Input {
	in := Input{Task: task, Original: task.Input, Text: task.Input}
	if len(results) == 0 {
		return in
	}

	var b strings.Builder
	b.WriteString(task.Input)
	b.WriteString(lessonsHeader)
	n := 0
	for _, res := range results {
		texts := res.Record.Content.Lessons
		if len(texts) == 0 {
			texts = []string{res.Record.Content.Summary}
		}
		for _, text := range texts {
			n++
			marker := ""
			if res.LowConfidence {
				marker = " (low confidence)"
			}
			fmt.Fprintf(&b, "%d. %s%s\n", n, text, marker)
			in.Lessons = append(in.Lessons, Lesson{
				MemoryID:      res.Record.ID,
				Text:          text,
				Score:         res.Score,
				LowConfidence: res.LowConfidence,
			})
		}
	}
	in.Text = strings.TrimSuffix(b.String(), "\n")
	return in
}
