package extractor

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time { return c.now }

func TestNewValidatesConfig(t *testing.T) {
	_, err := New(Config{})
	require.Error(t, err)

	_, err = New(Config{BaseURL: "https://www.google.com/maps"})
	require.Error(t, err)

	e, err := New(Config{
		BaseURL: "https://www.google.com/maps",
		Clock:   &fakeClock{},
	})
	require.NoError(t, err)
	require.Equal(t, 20, e.maxResults)
	require.Equal(t, 50*time.Millisecond, e.slowMo)
	// Optional hooks default to no-ops.
	require.NotNil(t, e.heartbeat)
	require.NotNil(t, e.checkpoint)
}

func TestFilterPlaceLinks(t *testing.T) {
	hrefs := []string{
		"https://www.google.com/maps/place/Blue+Bottle/data=1",
		"https://www.google.com/maps/search/coffee",
		"https://www.google.com/maps/place/Blue+Bottle/data=1",
		"https://www.google.com/maps/place/Stumptown/data=2",
		"https://ads.example.com/click",
		"https://www.google.com/maps/place/Intelligentsia/data=3",
	}

	links := FilterPlaceLinks(hrefs, 20)
	require.Equal(t, []string{
		"https://www.google.com/maps/place/Blue+Bottle/data=1",
		"https://www.google.com/maps/place/Stumptown/data=2",
		"https://www.google.com/maps/place/Intelligentsia/data=3",
	}, links)
}

func TestFilterPlaceLinksCapsAtMax(t *testing.T) {
	var hrefs []string
	for i := 0; i < 50; i++ {
		hrefs = append(hrefs, fmt.Sprintf("https://www.google.com/maps/place/place-%d", i))
	}
	links := FilterPlaceLinks(hrefs, 20)
	require.Len(t, links, 20)
	// Order follows the feed, so the first entries survive the cap.
	require.Equal(t, hrefs[0], links[0])
}

func TestFilterPlaceLinksEmpty(t *testing.T) {
	require.Empty(t, FilterPlaceLinks(nil, 20))
	require.Empty(t, FilterPlaceLinks([]string{"https://www.google.com/maps/search/x"}, 20))
}

func TestIsShellPage(t *testing.T) {
	require.True(t, IsShellPage("Google Maps"))
	require.True(t, IsShellPage("  Maps "))
	require.True(t, IsShellPage("google maps"))
	require.False(t, IsShellPage("Blue Bottle Coffee"))
	require.False(t, IsShellPage(""))
}

func TestCleanLabel(t *testing.T) {
	require.Equal(t, "123 Main St", CleanLabel("Address: 123 Main St", "Address: "))
	require.Equal(t, "123 Main St", CleanLabel("  123 Main St  ", "Address: "))
	require.Equal(t, "+1 512-555-0100", CleanLabel("Phone: +1 512-555-0100", "Phone: "))
	require.Empty(t, CleanLabel("   ", "Address: "))
}
