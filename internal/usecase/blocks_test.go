package usecase

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"tutor-assistant/internal/domain"
)

func TestBlocks_PriceMatchesRenderedText(t *testing.T) {
	blocks := []ContextBlock{
		NewSystemBlock(wordCounter{}, "be brief"),
		NewProblemStatementBlock(wordCounter{}, domain.Problem{Title: "Two Sum", Description: "find them"}),
		NewSubmittedCodeBlock(wordCounter{}, "int main() {}", "C++"),
		NewSectionBlock(wordCounter{}, domain.PDF{Title: "Book"}, domain.Section{Title: "Intro", Description: "basics"}),
		NewPageBlock(wordCounter{}, domain.Page{Number: 3, Content: "some text"}),
	}
	for _, b := range blocks {
		require.Equal(t, wordCounter{}.Count(b.Render()), b.Price())
	}
}

func TestSubmittedCodeBlock_FenceLanguage(t *testing.T) {
	require.Contains(t, NewSubmittedCodeBlock(wordCounter{}, "x", "C++").Render(), "```cpp\nx\n```")
	require.Contains(t, NewSubmittedCodeBlock(wordCounter{}, "x", "Python2").Render(), "```python\nx\n```")
	require.Contains(t, NewSubmittedCodeBlock(wordCounter{}, "x", "Brainfuck").Render(), "```\nx\n```")
}

func TestRenderOutcome(t *testing.T) {
	compileErr := renderOutcome(domain.Submission{Err: "CE", ErrorReason: "missing semicolon"}, nil)
	require.Contains(t, compileErr, "failed to compile")
	require.Contains(t, compileErr, "missing semicolon")

	passed := renderOutcome(domain.Submission{TotalCount: 3, SuccessCount: 3}, nil)
	require.Equal(t, "It ran successfully and passed every test case.", passed)

	failing := renderOutcome(domain.Submission{TotalCount: 3, SuccessCount: 1}, []domain.TestCaseResult{
		{Ordinal: 1, Result: domain.ResultSuccess},
		{Ordinal: 2, Result: domain.ResultWrongAnswer, Input: "2", Expected: "4", Output: "5"},
		{Ordinal: 3, Result: domain.ResultRuntimeError, Input: "0", Status: "Runtime Error", Message: "division by zero"},
	})
	require.Contains(t, failing, "But 2 test cases did not pass.")
	require.NotContains(t, failing, "Test case 1")
	require.Less(t, strings.Index(failing, "Test case 2"), strings.Index(failing, "Test case 3"))
	require.Contains(t, failing, "Expected output:\n```\n4\n```")
	require.Contains(t, failing, "Error: `Runtime Error`")
	require.Contains(t, failing, "division by zero")
}
