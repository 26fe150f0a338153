package usecase

import (
	"fmt"
	"strings"

	"tutor-assistant/internal/domain"
)

// ContextBlock is one unit of prompt content competing for the token budget.
// Its price is fixed when the block is built.
type ContextBlock interface {
	Price() int
	Render() string
}

type TokenCounter interface {
	Count(text string) int
}

// pricedText holds rendered text and its token count.
type pricedText struct {
	text   string
	tokens int
}

func newPricedText(counter TokenCounter, text string) pricedText {
	return pricedText{text: text, tokens: counter.Count(text)}
}

func (p pricedText) Price() int     { return p.tokens }
func (p pricedText) Render() string { return p.text }

// SystemBlock is the instruction prompt that leads every request.
type SystemBlock struct{ pricedText }

func NewSystemBlock(counter TokenCounter, prompt string) SystemBlock {
	return SystemBlock{newPricedText(counter, prompt)}
}

// ProblemStatementBlock presents the exercise being worked on.
type ProblemStatementBlock struct{ pricedText }

func NewProblemStatementBlock(counter TokenCounter, p domain.Problem) ProblemStatementBlock {
	text := fmt.Sprintf("I am working on the programming exercise `%s`. The statement is:\n```\n%s\n```\n", p.Title, p.Description)
	return ProblemStatementBlock{newPricedText(counter, text)}
}

// SubmittedCodeBlock carries the code the current question is about.
type SubmittedCodeBlock struct{ pricedText }

func NewSubmittedCodeBlock(counter TokenCounter, src, lang string) SubmittedCodeBlock {
	text := fmt.Sprintf("My current code is:\n```%s\n%s\n```\n", fenceLanguage(lang), src)
	return SubmittedCodeBlock{newPricedText(counter, text)}
}

// OutcomeBlock describes how the relevant submission fared against the judge.
type OutcomeBlock struct{ pricedText }

func NewOutcomeBlock(counter TokenCounter, sub domain.Submission, results []domain.TestCaseResult) OutcomeBlock {
	return OutcomeBlock{newPricedText(counter, renderOutcome(sub, results))}
}

func renderOutcome(sub domain.Submission, results []domain.TestCaseResult) string {
	if sub.Err != "" {
		return fmt.Sprintf("But it failed to compile with:\n```\n%s\n```\n", sub.ErrorReason)
	}
	if sub.SuccessCount >= sub.TotalCount {
		return "It ran successfully and passed every test case."
	}

	var b strings.Builder
	fmt.Fprintf(&b, "But %d test cases did not pass.\n", sub.TotalCount-sub.SuccessCount)
	for _, r := range results {
		switch r.Result {
		case domain.ResultSuccess:
			continue
		case domain.ResultWrongAnswer:
			fmt.Fprintf(&b, "\n## Test case %d produced the wrong output\nInput:\n```\n%s\n```\nExpected output:\n```\n%s\n```\nActual output:\n```\n%s\n```\n",
				r.Ordinal, r.Input, r.Expected, r.Output)
		default:
			fmt.Fprintf(&b, "\n## Test case %d failed to run\nInput:\n```\n%s\n```\nError: `%s`\nDetails:\n```\n%s\n```\n",
				r.Ordinal, r.Input, r.Status, r.Message)
		}
	}
	return b.String()
}

// SectionBlock presents the outline entry of a PDF the question refers to.
type SectionBlock struct{ pricedText }

func NewSectionBlock(counter TokenCounter, pdf domain.PDF, s domain.Section) SectionBlock {
	text := fmt.Sprintf("I am reading `%s`, section `%s` (pages %d-%d). It covers:\n```\n%s\n```\n",
		pdf.Title, s.Title, s.StartPage, s.EndPage, s.Description)
	return SectionBlock{newPricedText(counter, text)}
}

// PageBlock carries the extracted text of the page the question refers to.
type PageBlock struct{ pricedText }

func NewPageBlock(counter TokenCounter, p domain.Page) PageBlock {
	text := fmt.Sprintf("The text of page %d is:\n```\n%s\n```\n", p.Number, p.Content)
	return PageBlock{newPricedText(counter, text)}
}

var fenceLanguages = map[string]string{
	"C":          "c",
	"C++":        "cpp",
	"Java":       "java",
	"Python2":    "python",
	"Python3":    "python",
	"Go":         "go",
	"PHP":        "php",
	"JavaScript": "javascript",
}

// fenceLanguage maps a judge language name to a markdown fence tag; unknown
// languages get a bare fence.
func fenceLanguage(lang string) string {
	return fenceLanguages[lang]
}
