package repository

import (
	"context"
	"errors"
	"testing"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/stretchr/testify/require"

	"tutor-assistant/internal/domain"
)

func submissionItem(id, src string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"PK":           sAttr("SUBMISSION#" + id),
		"SK":           sAttr(skMeta),
		"submissionId": sAttr(id),
		"problemId":    sAttr("p1"),
		"owner":        sAttr("alice"),
		"src":          sAttr(src),
		"lang":         sAttr("Python3"),
		"totalCount":   nAttr(5),
		"successCount": nAttr(3),
		"createdAt":    sAttr("2026-02-27T12:00:00Z"),
	}
}

func TestGetProblem(t *testing.T) {
	c := mustNewClient(t, withItems(map[string]types.AttributeValue{
		"PK":          sAttr("PROBLEM#p1"),
		"SK":          sAttr(skMeta),
		"title":       sAttr("Two Sum"),
		"description": sAttr("Find two numbers."),
	}))

	p, err := c.GetProblem(context.Background(), "p1")
	require.NoError(t, err)
	require.Equal(t, domain.Problem{ID: "p1", Title: "Two Sum", Description: "Find two numbers."}, p)

	_, err = c.GetProblem(context.Background(), "p2")
	require.ErrorIs(t, err, domain.ErrNotFound)
}

func TestLatestSubmission(t *testing.T) {
	db := &fakeDynamo{queryOuts: []*dynamodb.QueryOutput{{
		Items: []map[string]types.AttributeValue{submissionItem("s2", "print(1)")},
	}}}
	c := mustNewClient(t, db)

	sub, err := c.LatestSubmission(context.Background(), "alice", "p1")
	require.NoError(t, err)
	require.Equal(t, "s2", sub.ID)
	require.Equal(t, "print(1)", sub.Src)
	require.Equal(t, 5, sub.TotalCount)
	require.Equal(t, 3, sub.SuccessCount)

	in := db.queryInputs[0]
	require.False(t, *in.ScanIndexForward)
	require.EqualValues(t, 1, *in.Limit)
	require.Equal(t, "SUBMISSION#alice#", in.ExpressionAttributeValues[":prefix"].(*types.AttributeValueMemberS).Value)
}

func TestLatestSubmission_None(t *testing.T) {
	c := mustNewClient(t, &fakeDynamo{})
	_, err := c.LatestSubmission(context.Background(), "alice", "p1")
	require.ErrorIs(t, err, domain.ErrNotFound)
}

func TestGetSubmission(t *testing.T) {
	c := mustNewClient(t, withItems(submissionItem("s1", "x = 1")))
	sub, err := c.GetSubmission(context.Background(), "s1")
	require.NoError(t, err)
	require.Equal(t, "Python3", sub.Lang)

	_, err = c.GetSubmission(context.Background(), "s9")
	require.ErrorIs(t, err, domain.ErrNotFound)
}

func TestListTestCaseResults(t *testing.T) {
	db := &fakeDynamo{queryOuts: []*dynamodb.QueryOutput{{
		Items: []map[string]types.AttributeValue{
			{
				"PK": sAttr("SUBMISSION#s1"), "SK": sAttr("RESULT#00001"),
				"ordinal": nAttr(1), "result": nAttr(-1),
				"input": sAttr("1 2"), "expected": sAttr("3"), "output": sAttr("4"),
			},
			{
				"PK": sAttr("SUBMISSION#s1"), "SK": sAttr("RESULT#00002"),
				"ordinal": nAttr(2), "result": nAttr(4),
				"status": sAttr("Runtime Error"), "message": sAttr("ZeroDivisionError"),
			},
		},
	}}}
	c := mustNewClient(t, db)

	results, err := c.ListTestCaseResults(context.Background(), "s1")
	require.NoError(t, err)
	require.Len(t, results, 2)
	require.Equal(t, domain.ResultWrongAnswer, results[0].Result)
	require.Equal(t, "4", results[0].Output)
	require.Equal(t, domain.ResultRuntimeError, results[1].Result)
	require.Equal(t, "ZeroDivisionError", results[1].Message)
	require.True(t, *db.queryInputs[0].ScanIndexForward)
}

func TestListTestCaseResults_OrdersByOrdinal(t *testing.T) {
	// Unpadded sort keys put case 10 before case 2.
	db := &fakeDynamo{queryOuts: []*dynamodb.QueryOutput{{
		Items: []map[string]types.AttributeValue{
			{"PK": sAttr("SUBMISSION#s1"), "SK": sAttr("RESULT#1"), "ordinal": nAttr(1), "result": nAttr(-1)},
			{"PK": sAttr("SUBMISSION#s1"), "SK": sAttr("RESULT#10"), "ordinal": nAttr(10), "result": nAttr(-1)},
			{"PK": sAttr("SUBMISSION#s1"), "SK": sAttr("RESULT#2"), "ordinal": nAttr(2), "result": nAttr(4)},
		},
	}}}
	c := mustNewClient(t, db)

	results, err := c.ListTestCaseResults(context.Background(), "s1")
	require.NoError(t, err)
	ordinals := make([]int, 0, len(results))
	for _, r := range results {
		ordinals = append(ordinals, r.Ordinal)
	}
	require.Equal(t, []int{1, 2, 10}, ordinals)
}

func TestListTestCaseResults_Error(t *testing.T) {
	c := mustNewClient(t, &fakeDynamo{queryErr: errors.New("boom")})
	_, err := c.ListTestCaseResults(context.Background(), "s1")
	require.Error(t, err)
	require.Contains(t, err.Error(), "ListTestCaseResults")
}

func TestPDFRecords(t *testing.T) {
	c := mustNewClient(t, withItems(
		map[string]types.AttributeValue{"PK": sAttr("PDF#d1"), "SK": sAttr(skMeta), "title": sAttr("Algorithms")},
		map[string]types.AttributeValue{
			"PK": sAttr("PDF#d1"), "SK": sAttr("SECTION#s1"),
			"title": sAttr("Sorting"), "description": sAttr("Comparison sorts."),
			"startPage": nAttr(10), "endPage": nAttr(20),
		},
		map[string]types.AttributeValue{
			"PK": sAttr("PDF#d1"), "SK": sAttr("PAGE#pg12"),
			"number": nAttr(12), "content": sAttr("Quicksort partitions..."),
		},
	))
	ctx := context.Background()

	pdf, err := c.GetPDF(ctx, "d1")
	require.NoError(t, err)
	require.Equal(t, "Algorithms", pdf.Title)

	sec, err := c.GetSection(ctx, "d1", "s1")
	require.NoError(t, err)
	require.Equal(t, "Comparison sorts.", sec.Description)
	require.Equal(t, 10, sec.StartPage)
	require.Equal(t, 20, sec.EndPage)

	page, err := c.GetPage(ctx, "d1", "pg12")
	require.NoError(t, err)
	require.Equal(t, 12, page.Number)

	_, err = c.GetPage(ctx, "d1", "pg99")
	require.ErrorIs(t, err, domain.ErrNotFound)
	_, err = c.GetSection(ctx, "d2", "s1")
	require.ErrorIs(t, err, domain.ErrNotFound)
	_, err = c.GetPDF(ctx, "d2")
	require.ErrorIs(t, err, domain.ErrNotFound)
}
