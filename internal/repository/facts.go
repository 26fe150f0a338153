package repository

import (
	"cmp"
	"context"
	"fmt"
	"slices"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"tutor-assistant/internal/domain"
)

// The records read here are owned by the judge and document services; this
// package never writes them.

const (
	skPrefixSubmission = "SUBMISSION#"
	skPrefixResult     = "RESULT#"
)

func (c *Client) GetProblem(ctx context.Context, problemID string) (domain.Problem, error) {
	item, err := c.getItem(ctx, "PROBLEM#"+problemID, skMeta)
	if err != nil {
		return domain.Problem{}, fmt.Errorf("repository: GetProblem: %w", err)
	}
	if item == nil {
		return domain.Problem{}, fmt.Errorf("repository: GetProblem %q: %w", problemID, domain.ErrNotFound)
	}
	return domain.Problem{
		ID:          problemID,
		Title:       optStr(item, "title"),
		Description: optStr(item, "description"),
	}, nil
}

// LatestSubmission returns owner's most recent submission for a problem.
// Submissions are indexed under the problem with a sort key ordered by
// creation time, so the newest one is the first item of a descending query.
func (c *Client) LatestSubmission(ctx context.Context, owner, problemID string) (domain.Submission, error) {
	out, err := c.api.Query(ctx, &dynamodb.QueryInput{
		TableName:              aws.String(c.tableName),
		KeyConditionExpression: aws.String("PK = :pk AND begins_with(SK, :prefix)"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":pk":     sAttr("PROBLEM#" + problemID),
			":prefix": sAttr(skPrefixSubmission + owner + "#"),
		},
		ScanIndexForward: aws.Bool(false),
		Limit:            aws.Int32(1),
	})
	if err != nil {
		return domain.Submission{}, fmt.Errorf("repository: LatestSubmission: %w", err)
	}
	if out == nil || len(out.Items) == 0 {
		return domain.Submission{}, fmt.Errorf("repository: LatestSubmission %q/%q: %w", owner, problemID, domain.ErrNotFound)
	}
	sub, err := itemToSubmission(out.Items[0])
	if err != nil {
		return domain.Submission{}, fmt.Errorf("repository: LatestSubmission decode: %w", err)
	}
	return sub, nil
}

func (c *Client) GetSubmission(ctx context.Context, submissionID string) (domain.Submission, error) {
	item, err := c.getItem(ctx, "SUBMISSION#"+submissionID, skMeta)
	if err != nil {
		return domain.Submission{}, fmt.Errorf("repository: GetSubmission: %w", err)
	}
	if item == nil {
		return domain.Submission{}, fmt.Errorf("repository: GetSubmission %q: %w", submissionID, domain.ErrNotFound)
	}
	sub, err := itemToSubmission(item)
	if err != nil {
		return domain.Submission{}, fmt.Errorf("repository: GetSubmission decode: %w", err)
	}
	return sub, nil
}

// ListTestCaseResults returns the per-case results of a submission ordered by
// test case ordinal. The judge writes the sort keys, so the order is not
// taken from them.
func (c *Client) ListTestCaseResults(ctx context.Context, submissionID string) ([]domain.TestCaseResult, error) {
	items, err := c.queryAll(ctx, "SUBMISSION#"+submissionID, skPrefixResult, true)
	if err != nil {
		return nil, fmt.Errorf("repository: ListTestCaseResults: %w", err)
	}
	results := make([]domain.TestCaseResult, 0, len(items))
	for _, item := range items {
		ordinal, err := intAttr(item, "ordinal")
		if err != nil {
			return nil, fmt.Errorf("repository: ListTestCaseResults decode: %w", err)
		}
		code, err := intAttr(item, "result")
		if err != nil {
			return nil, fmt.Errorf("repository: ListTestCaseResults decode: %w", err)
		}
		results = append(results, domain.TestCaseResult{
			Ordinal:  ordinal,
			Result:   domain.ResultCode(code),
			Input:    optStr(item, "input"),
			Expected: optStr(item, "expected"),
			Output:   optStr(item, "output"),
			Status:   optStr(item, "status"),
			Message:  optStr(item, "message"),
		})
	}
	slices.SortStableFunc(results, func(a, b domain.TestCaseResult) int {
		return cmp.Compare(a.Ordinal, b.Ordinal)
	})
	return results, nil
}

func (c *Client) GetPDF(ctx context.Context, pdfID string) (domain.PDF, error) {
	item, err := c.getItem(ctx, "PDF#"+pdfID, skMeta)
	if err != nil {
		return domain.PDF{}, fmt.Errorf("repository: GetPDF: %w", err)
	}
	if item == nil {
		return domain.PDF{}, fmt.Errorf("repository: GetPDF %q: %w", pdfID, domain.ErrNotFound)
	}
	return domain.PDF{ID: pdfID, Title: optStr(item, "title")}, nil
}

func (c *Client) GetSection(ctx context.Context, pdfID, sectionID string) (domain.Section, error) {
	item, err := c.getItem(ctx, "PDF#"+pdfID, "SECTION#"+sectionID)
	if err != nil {
		return domain.Section{}, fmt.Errorf("repository: GetSection: %w", err)
	}
	if item == nil {
		return domain.Section{}, fmt.Errorf("repository: GetSection %q: %w", sectionID, domain.ErrNotFound)
	}
	start, err := optInt(item, "startPage")
	if err != nil {
		return domain.Section{}, fmt.Errorf("repository: GetSection decode: %w", err)
	}
	end, err := optInt(item, "endPage")
	if err != nil {
		return domain.Section{}, fmt.Errorf("repository: GetSection decode: %w", err)
	}
	return domain.Section{
		ID:          sectionID,
		PDFID:       pdfID,
		Title:       optStr(item, "title"),
		Description: optStr(item, "description"),
		StartPage:   start,
		EndPage:     end,
	}, nil
}

func (c *Client) GetPage(ctx context.Context, pdfID, pageID string) (domain.Page, error) {
	item, err := c.getItem(ctx, "PDF#"+pdfID, "PAGE#"+pageID)
	if err != nil {
		return domain.Page{}, fmt.Errorf("repository: GetPage: %w", err)
	}
	if item == nil {
		return domain.Page{}, fmt.Errorf("repository: GetPage %q: %w", pageID, domain.ErrNotFound)
	}
	number, err := optInt(item, "number")
	if err != nil {
		return domain.Page{}, fmt.Errorf("repository: GetPage decode: %w", err)
	}
	return domain.Page{
		ID:      pageID,
		PDFID:   pdfID,
		Number:  number,
		Content: optStr(item, "content"),
	}, nil
}

func itemToSubmission(item map[string]types.AttributeValue) (domain.Submission, error) {
	id, err := strAttr(item, "submissionId")
	if err != nil {
		return domain.Submission{}, err
	}
	total, err := optInt(item, "totalCount")
	if err != nil {
		return domain.Submission{}, err
	}
	success, err := optInt(item, "successCount")
	if err != nil {
		return domain.Submission{}, err
	}
	return domain.Submission{
		ID:           id,
		ProblemID:    optStr(item, "problemId"),
		Owner:        optStr(item, "owner"),
		Src:          optStr(item, "src"),
		Lang:         optStr(item, "lang"),
		Err:          optStr(item, "err"),
		ErrorReason:  optStr(item, "errorReason"),
		TotalCount:   total,
		SuccessCount: success,
		CreatedAt:    timeAttr(item, "createdAt"),
	}, nil
}
