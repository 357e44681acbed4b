package nextbus

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func parseForTest(t *testing.T, body string) *Element {
	t.Helper()
	root, err := parseDocument(strings.NewReader(body))
	require.NoError(t, err)
	return root
}

func TestNormalizeRoutesNested(t *testing.T) {
	root := parseForTest(t, `<body>
		<route tag="a" title="Route A" color="cc0000" oppositeColor="ffffff"
			latMin="40.1" latMax="40.5" lonMin="-74.5" lonMax="-74.1">
			<stop tag="hill" title="Hill Center" lat="40.2" lon="-74.2" stopId="1234"/>
			<stop tag="gate" title="Main Gate" lat="40.3" lon="-74.3"/>
			<direction tag="loop" title="To Campus" name="Loop">
				<stop tag="hill"/>
				<stop tag="gate"/>
			</direction>
		</route>
	</body>`)

	routes := NormalizeRoutes(root.FindAll("route"))
	require.Len(t, routes, 1)

	r := routes[0]
	require.Equal(t, "a", r.Tag)
	require.Equal(t, "cc0000", r.Color)
	require.Equal(t, 40.1, r.LatMin)
	require.Equal(t, -74.1, r.LonMax)

	// Only the route's direct stop children are stops; the tag references
	// nested under direction are not.
	require.Len(t, r.Stops, 2)
	require.Equal(t, "hill", r.Stops[0].Tag)
	require.NotNil(t, r.Stops[0].StopID)
	require.EqualValues(t, 1234, *r.Stops[0].StopID)
	require.Nil(t, r.Stops[1].StopID)

	require.Len(t, r.Directions, 1)
	require.Equal(t, "loop", r.Directions[0].Tag)
	require.Equal(t, "Loop", r.Directions[0].Name)
}

func TestNormalizePredictionsEpochTime(t *testing.T) {
	root := parseForTest(t, `<body>
		<predictions routeTag="a" stopTag="hill">
			<direction title="To Campus">
				<prediction epochTime="1700000000000" isDeparture="false" affectedByLayover="true"
					dirTag="loop" vehicle="1701" block="12"/>
			</direction>
		</predictions>
	</body>`)

	sets := NormalizePredictions(root.FindAll("predictions"))
	require.Len(t, sets, 1)
	require.Equal(t, "a", sets[0].RouteTag)
	require.Equal(t, "hill", sets[0].StopTag)
	require.Len(t, sets[0].Predictions, 1)

	p := sets[0].Predictions[0]
	require.Equal(t, time.Date(2023, 11, 14, 22, 13, 20, 0, time.UTC), p.Time)
	require.False(t, p.IsDeparture)
	require.True(t, p.HasLayover)
	require.Equal(t, "loop", p.DirTag)
	require.Equal(t, "1701", p.Vehicle)
	require.Equal(t, "12", p.Block)
}

func TestNormalizeVehicleHeading(t *testing.T) {
	now := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	root := parseForTest(t, `<body>
		<vehicle id="1701" dirTag="loop" lat="40.2" lon="-74.2" secsSinceReport="30"
			predictable="true" heading="-1" speedKmHr="18.5"/>
		<vehicle id="1702" dirTag="loop" lat="40.3" lon="-74.3" secsSinceReport="0"
			predictable="false" heading="217" speedKmHr="0"/>
	</body>`)

	vehicles := NormalizeVehicles(root.FindAll("vehicle"), now)
	require.Len(t, vehicles, 2)

	require.Nil(t, vehicles[0].Heading)
	require.True(t, vehicles[0].Predictable)
	require.Equal(t, now.Add(-30*time.Second), vehicles[0].Time)
	require.Equal(t, 18.5, vehicles[0].SpeedKmHr)

	require.NotNil(t, vehicles[1].Heading)
	require.Equal(t, 217, *vehicles[1].Heading)
	require.False(t, vehicles[1].Predictable)
	require.Equal(t, now, vehicles[1].Time)
}

func TestNormalizeAgencies(t *testing.T) {
	root := parseForTest(t, `<body>
		<agency tag="rutgers" title="Rutgers University" shortTitle="Rutgers" regionTitle="New Jersey"/>
	</body>`)

	agencies := NormalizeAgencies(root.FindAll("agency"))
	require.Len(t, agencies, 1)
	require.Equal(t, AgencyRecord{
		Tag:         "rutgers",
		Title:       "Rutgers University",
		ShortTitle:  "Rutgers",
		RegionTitle: "New Jersey",
	}, agencies[0])
}

func TestParseDocumentRejectsGarbage(t *testing.T) {
	_, err := parseDocument(strings.NewReader("<body><unclosed></body>"))
	require.Error(t, err)

	_, err = parseDocument(strings.NewReader(""))
	require.Error(t, err)
}
