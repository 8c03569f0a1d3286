package fetcher

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestExplorerFetchHTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte(`{"message":"maintenance"}`))
	}))
	defer srv.Close()

	e := NewExplorer(ExplorerOptions{BaseURL: srv.URL, Timeout: time.Second}, noopLogger())
	_, err := e.FetchDifficulty(context.Background(), time.Time{})
	if err == nil {
		t.Fatal("HTTP 503 应返回错误")
	}
	if got := err.Error(); got != "explorer api error (503): maintenance" {
		t.Fatalf("错误信息不正确: %s", got)
	}
}

func TestExplorerFetchSuccess(t *testing.T) {
	var path, ua string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path = r.URL.Path
		ua = r.Header.Get("User-Agent")
		w.Header().Set("Content-Type", "application/json")
		// 2024-05-09, 2024-05-23, 2024-06-05 (twice on one day), 2024-06-19
		_, _ = w.Write([]byte(`[
			[1715212800, 842688, 83148355189239.77, 0.0104],
			[1716422400, 844704, 84381461788831.34, 0.0148],
			[1717545600, 846720, 83675327635044.12, -0.0084],
			[1717581600, 846721, 83675327635045.5, 0],
			[1718755200, 848736, 83148355189239.77, -0.0063]
		]`))
	}))
	defer srv.Close()

	e := NewExplorer(ExplorerOptions{BaseURL: srv.URL + "/", Timeout: time.Second, UserAgent: "test-agent"}, noopLogger())
	points, err := e.FetchDifficulty(context.Background(), time.Date(2024, 5, 20, 0, 0, 0, 0, time.UTC))
	if err != nil {
		t.Fatalf("FetchDifficulty 应成功: %v", err)
	}

	if path != adjustmentsPath {
		t.Fatalf("请求路径不正确: %s", path)
	}
	if ua != "test-agent" {
		t.Fatalf("User-Agent 不正确: %s", ua)
	}
	if len(points) != 3 {
		t.Fatalf("应返回 3 个点, 实际 %d", len(points))
	}

	want := []struct {
		date       string
		difficulty string
	}{
		{"2024-05-23", "84381461788831.34"},
		{"2024-06-05", "83675327635045.5"},
		{"2024-06-19", "83148355189239.77"},
	}
	for i, w := range want {
		if got := points[i].EffectiveDate.Format("2006-01-02"); got != w.date {
			t.Fatalf("第 %d 个点日期不正确: %s", i, got)
		}
		if got := points[i].Difficulty.String(); got != w.difficulty {
			t.Fatalf("第 %d 个点 difficulty 不正确: %s", i, got)
		}
		if points[i].Source != SourceExplorer {
			t.Fatalf("source 不正确: %s", points[i].Source)
		}
	}
}

func TestExplorerRejectsMalformedRows(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`[[1715212800, 842688]]`))
	}))
	defer srv.Close()

	e := NewExplorer(ExplorerOptions{BaseURL: srv.URL}, noopLogger())
	if _, err := e.FetchDifficulty(context.Background(), time.Time{}); err == nil {
		t.Fatal("字段不足时应报错")
	}
}
