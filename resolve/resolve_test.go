package resolve

import (
	"errors"
	"testing"
)

func TestParse(t *testing.T) {
	t.Parallel()
	out := []byte(`{"url":"https://cdn.example.com/v.mp4","title":"Big Buck Bunny","width":1280,"height":720,"format":"mp4","duration":10.0,"is_live":false}`)

	res, err := Parse(out)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if res.DirectURL != "https://cdn.example.com/v.mp4" {
		t.Errorf("DirectURL = %q", res.DirectURL)
	}
	if res.Title != "Big Buck Bunny" || res.Width != 1280 || res.Height != 720 {
		t.Errorf("metadata = %+v", res)
	}
	if res.IsLive {
		t.Error("IsLive = true for VOD entry")
	}
}

func TestParse_Live(t *testing.T) {
	t.Parallel()
	out := []byte(`{"url":"https://cdn.example.com/live.m3u8","is_live":true}`)
	res, err := Parse(out)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if !res.IsLive {
		t.Error("IsLive = false for live entry")
	}
}

func TestParse_FirstLineOfPlaylist(t *testing.T) {
	t.Parallel()
	out := []byte("{\"url\":\"https://a.example.com/1.mp4\"}\n{\"url\":\"https://a.example.com/2.mp4\"}\n")
	res, err := Parse(out)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if res.DirectURL != "https://a.example.com/1.mp4" {
		t.Errorf("DirectURL = %q, want first playlist entry", res.DirectURL)
	}
}

func TestParse_MissingURL(t *testing.T) {
	t.Parallel()
	if _, err := Parse([]byte(`{"title":"nope"}`)); !errors.Is(err, ErrNoDirectURL) {
		t.Fatalf("err = %v, want ErrNoDirectURL", err)
	}
}

func TestParse_Garbage(t *testing.T) {
	t.Parallel()
	if _, err := Parse([]byte("ERROR: unsupported site")); err == nil {
		t.Fatal("Parse accepted non-JSON output")
	}
}
