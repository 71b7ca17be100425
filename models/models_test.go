package models

import (
	"context"
	"encoding/json"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/datatypes"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	db, err := Open("sqlite", ":memory:")
	require.NoError(t, err)
	return NewStore(db)
}

const sampleOutline = `{
  "main_title": "test",
  "chapters": [
    {"chapter_id": 1, "chapter_topic": "intro", "slides": [
      {"slide_id": "1.1", "slide_topic": "cover", "slide_content": ["a", "b"]},
      {"slide_id": "1.2", "slide_topic": "agenda", "slide_content": "only one",
       "visual_suggestions": {"search_keywords": "cat", "image_description": "a cat"}}
    ]},
    {"chapter_id": "2", "chapter_title": "Body", "chapter_topic": "body", "slides": [
      {"slide_id": "2.1", "slide_topic": "x", "slide_content": []},
      {"slide_id": "2.10", "slide_topic": "y", "slide_content": []}
    ]}
  ]
}`

func seedProject(t *testing.T, s *Store, id string) OutlineDoc {
	t.Helper()
	ctx := context.Background()
	var doc OutlineDoc
	require.NoError(t, json.Unmarshal([]byte(sampleOutline), &doc))

	require.NoError(t, s.AddProject(ctx, &Project{ProjectID: id, ProjectName: "test_20250101_000000", Topic: "test", PageNum: 4}))
	require.NoError(t, s.AddOutline(ctx, &Outline{
		ProjectID:   id,
		Topic:       "test",
		PageNum:     4,
		OutlineJSON: datatypes.NewJSONType(doc),
		Images:      datatypes.NewJSONType(map[string]SlideImages{}),
	}))
	return doc
}

func TestOutlineDocAcceptsLooseIDs(t *testing.T) {
	var doc OutlineDoc
	require.NoError(t, json.Unmarshal([]byte(sampleOutline), &doc))
	assert.Equal(t, FlexString("1"), doc.Chapters[0].ChapterID)
	assert.Equal(t, FlexList{"only one"}, doc.Chapters[0].Slides[1].SlideContent)
	assert.Equal(t, FlexString("2.10"), doc.Chapters[1].Slides[1].SlideID)
}

func TestOutlineDocCloneIsIndependent(t *testing.T) {
	var doc OutlineDoc
	require.NoError(t, json.Unmarshal([]byte(sampleOutline), &doc))

	c := doc.Clone()
	require.True(t, c.SetHTML("1.2", "<html>x</html>"))
	c.Chapters[0].Slides[1].VisualSuggestions.SearchKeywords = "dog"
	c.Chapters[0].Slides[0].SlideContent[0] = "changed"

	assert.Empty(t, doc.FindSlide("1.2").HTMLContent)
	assert.Equal(t, "cat", doc.Chapters[0].Slides[1].VisualSuggestions.SearchKeywords)
	assert.Equal(t, "a", doc.Chapters[0].Slides[0].SlideContent[0])
	assert.False(t, c.SetHTML("9.9", "x"))
}

func TestAddOutlineSlidesDerivesRows(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedProject(t, s, "p1")

	n, err := s.AddOutlineSlides(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, 4, n)

	slides, err := s.ListSlides(ctx, "p1")
	require.NoError(t, err)
	require.Len(t, slides, 4)

	ids := []string{}
	for _, sl := range slides {
		ids = append(ids, sl.SlideID)
		assert.Equal(t, StatusPending, sl.Status)
	}
	assert.Equal(t, []string{"1.1", "1.2", "2.1", "2.10"}, ids)

	assert.Equal(t, 2, slides[3].ChapterID)
	assert.Equal(t, 10, slides[3].SlideOrder)
	assert.Equal(t, "Body", slides[3].ChapterTitle)
	assert.Equal(t, "intro", slides[0].ChapterTitle)
	assert.Equal(t, "cat", slides[1].VisualSuggestion.Data().SearchKeywords)
}

func TestUpdateSlide(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedProject(t, s, "p1")
	_, err := s.AddOutlineSlides(ctx, "p1")
	require.NoError(t, err)

	require.NoError(t, s.UpdateSlide(ctx, "p1", "1.1", Ptr(StatusCompleted), Ptr("<html></html>")))
	sl, err := s.GetSlide(ctx, "p1", "1.1")
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, sl.Status)
	assert.Equal(t, "<html></html>", sl.HTMLContent)

	err = s.UpdateSlide(ctx, "p1", "7.7", Ptr(StatusFailed), nil)
	assert.ErrorIs(t, err, ErrNotFound)

	counts, err := s.SlideStatusCounts(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, SlideStatusCounts{Total: 4, Pending: 3, Completed: 1}, counts)
	assert.Equal(t, 25.0, counts.Percentage())
}

func TestDeleteProjectWithRelated(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedProject(t, s, "p1")
	seedProject(t, s, "p2")
	_, err := s.AddOutlineSlides(ctx, "p1")
	require.NoError(t, err)

	err = s.DeleteProjectWithRelated(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
	ps, err := s.ListProjects(ctx)
	require.NoError(t, err)
	assert.Len(t, ps, 2)

	require.NoError(t, s.DeleteProjectWithRelated(ctx, "p1"))
	_, err = s.GetProject(ctx, "p1")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = s.GetOutline(ctx, "p1")
	assert.ErrorIs(t, err, ErrNotFound)
	slides, err := s.ListSlides(ctx, "p1")
	require.NoError(t, err)
	assert.Empty(t, slides)

	_, err = s.GetOutline(ctx, "p2")
	assert.NoError(t, err)
}

func TestTryStartPDFExportExactlyOneWinner(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedProject(t, s, "p1")

	const n = 8
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		wins int
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := s.TryStartPDFExport(ctx, "p1")
			assert.NoError(t, err)
			if ok {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, wins)

	p, err := s.GetProject(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, StatusGenerating, p.PDFStatus)
	assert.Equal(t, StatusPending, p.PPTXStatus)
}

func TestTryStartExportRetriesAfterFailure(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedProject(t, s, "p1")

	require.NoError(t, s.UpdateProject(ctx, "p1", ProjectUpdate{PPTXStatus: Ptr(StatusCompleted)}))
	ok, err := s.TryStartPPTXExport(ctx, "p1")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, s.UpdateProject(ctx, "p1", ProjectUpdate{PPTXStatus: Ptr(StatusFailed)}))
	ok, err = s.TryStartPPTXExport(ctx, "p1")
	require.NoError(t, err)
	assert.True(t, ok)

	assert.ErrorIs(t, s.UpdateProject(ctx, "nope", ProjectUpdate{Status: Ptr(StatusFailed)}), ErrNotFound)
}

func TestParseSlideID(t *testing.T) {
	c, o, err := ParseSlideID("3.12")
	require.NoError(t, err)
	assert.Equal(t, 3, c)
	assert.Equal(t, 12, o)

	_, _, err = ParseSlideID("3")
	assert.Error(t, err)
	_, _, err = ParseSlideID("a.b")
	assert.Error(t, err)
}

func TestTaskLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	task := &Task{ID: "t1", ProjectId: "p1", Type: TaskTypeExportPDF,
		Parameters: TaskParameters{Export: &ExportParams{ContinueToPPTX: true}}}
	require.NoError(t, s.CreateTask(ctx, task))

	require.NoError(t, s.UpdateTaskStatus(ctx, "t1", TaskStatusProcessing, 10, "rendering", nil, ""))
	require.NoError(t, s.UpdateTaskStatus(ctx, "t1", TaskStatusSuccess, 100, "done",
		&TaskResult{ResourceType: "pdf", ResourceUrl: "/x.pdf"}, ""))

	got, err := s.GetTask(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, TaskStatusSuccess, got.Status)
	assert.Equal(t, "/x.pdf", got.Result.ResourceUrl)
	require.NotNil(t, got.Parameters.Export)
	assert.True(t, got.Parameters.Export.ContinueToPPTX)
	assert.NotNil(t, got.StartedAt)
	assert.NotNil(t, got.FinishedAt)

	_, err = s.GetTask(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}
