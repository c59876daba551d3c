package prompt

import (
	"errors"
	"reflect"
	"strings"
	"testing"

	"policychat/internal/models"
)

func TestComposeDeterministic(t *testing.T) {
	c := NewComposer(0, 0)
	history := []*models.Turn{
		{UserContent: "첫 질문", AssistantContent: "첫 답변"},
	}
	profile := seoulProfile()

	first, err := c.Compose(history, "지원금 알려줘", profile)
	if err != nil {
		t.Fatalf("Compose error: %v", err)
	}
	second, err := c.Compose(history, "지원금 알려줘", profile)
	if err != nil {
		t.Fatalf("Compose error: %v", err)
	}
	if !reflect.DeepEqual(first, second) {
		t.Fatalf("identical inputs produced different requests")
	}
}

func TestComposeMessageOrder(t *testing.T) {
	c := NewComposer(0, 0)
	history := []*models.Turn{
		{UserContent: "질문1", AssistantContent: "답변1"},
		{UserContent: "질문2", AssistantContent: "답변2"},
	}
	req, err := c.Compose(history, "질문3", nil)
	if err != nil {
		t.Fatalf("Compose error: %v", err)
	}
	want := []Message{
		{Role: models.RoleUser, Content: "질문1"},
		{Role: models.RoleAssistant, Content: "답변1"},
		{Role: models.RoleUser, Content: "질문2"},
		{Role: models.RoleAssistant, Content: "답변2"},
		{Role: models.RoleUser, Content: "질문3"},
	}
	if !reflect.DeepEqual(req.Messages, want) {
		t.Fatalf("unexpected message order: %#v", req.Messages)
	}
}

func TestComposeTruncatesOldestFirst(t *testing.T) {
	c := NewComposer(2, 0)
	history := []*models.Turn{
		{UserContent: "oldest", AssistantContent: "a1"},
		{UserContent: "middle", AssistantContent: "a2"},
		{UserContent: "newest", AssistantContent: "a3"},
	}
	req, err := c.Compose(history, "next", nil)
	if err != nil {
		t.Fatalf("Compose error: %v", err)
	}
	// 2 turns kept -> 4 history messages + the new one.
	if len(req.Messages) != 5 {
		t.Fatalf("expected 5 messages, got %d", len(req.Messages))
	}
	if req.Messages[0].Content != "middle" {
		t.Fatalf("expected oldest turn dropped, first message is %q", req.Messages[0].Content)
	}
	for _, msg := range req.Messages {
		if msg.Content == "oldest" {
			t.Fatalf("truncated turn still present")
		}
	}
}

func TestComposeContextTooLong(t *testing.T) {
	c := NewComposer(0, 10)
	_, err := c.Compose(nil, strings.Repeat("가", 11), nil)
	if !errors.Is(err, ErrContextTooLong) {
		t.Fatalf("expected ErrContextTooLong, got %v", err)
	}
	// The budget counts runes, not bytes.
	if _, err := c.Compose(nil, strings.Repeat("가", 10), nil); err != nil {
		t.Fatalf("10 rune message rejected: %v", err)
	}
}

func TestComposeEmptyMessage(t *testing.T) {
	c := NewComposer(0, 0)
	if _, err := c.Compose(nil, "   ", nil); err == nil {
		t.Fatalf("expected error for blank message")
	}
}

func TestComposeProfileStaysOutOfUserText(t *testing.T) {
	c := NewComposer(0, 0)
	req, err := c.Compose(nil, "지원금 알려줘", seoulProfile())
	if err != nil {
		t.Fatalf("Compose error: %v", err)
	}
	if !strings.Contains(req.System, "[프로필 컨텍스트]") {
		t.Fatalf("system message missing profile block")
	}
	if !strings.Contains(req.System, "- 지역: Seoul") {
		t.Fatalf("system message missing region line: %s", req.System)
	}
	for _, msg := range req.Messages {
		if strings.Contains(msg.Content, "Seoul") {
			t.Fatalf("profile attribute leaked into chat message: %q", msg.Content)
		}
	}
	if req.Messages[len(req.Messages)-1].Content != "지원금 알려줘" {
		t.Fatalf("user message altered: %q", req.Messages[len(req.Messages)-1].Content)
	}
}

func TestComposeProfilesProduceDistinctRequests(t *testing.T) {
	c := NewComposer(0, 0)
	seoul, err := c.Compose(nil, "지원금 알려줘", seoulProfile())
	if err != nil {
		t.Fatalf("Compose error: %v", err)
	}
	busan := seoulProfile()
	busan.Region = "Busan"
	other, err := c.Compose(nil, "지원금 알려줘", busan)
	if err != nil {
		t.Fatalf("Compose error: %v", err)
	}
	if seoul.System == other.System {
		t.Fatalf("different profiles produced identical system messages")
	}
	none, err := c.Compose(nil, "지원금 알려줘", nil)
	if err != nil {
		t.Fatalf("Compose error: %v", err)
	}
	if strings.Contains(none.System, "[프로필 컨텍스트]") {
		t.Fatalf("nil profile still produced a profile block")
	}
}

func TestProfileBlockFieldOrderAndOmission(t *testing.T) {
	age := 65
	grade := 3
	p := &models.Profile{
		Age:             &age,
		Region:          "Seoul",
		DisabilityGrade: &grade,
	}
	block := ProfileBlock(p)
	want := "- 나이: 65세\n- 지역: Seoul\n- 장애 등급: 3"
	if block != want {
		t.Fatalf("unexpected block:\n%s\nwant:\n%s", block, want)
	}
	if ProfileBlock(nil) != "" {
		t.Fatalf("nil profile should render empty block")
	}
	if ProfileBlock(&models.Profile{Name: "empty"}) != "" {
		t.Fatalf("profile with no attributes should render empty block")
	}
}

func seoulProfile() *models.Profile {
	return &models.Profile{ID: 1, UserID: "u1", Name: "기본", Region: "Seoul", Active: true}
}
