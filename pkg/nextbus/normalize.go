package nextbus

import (
	"strconv"
	"time"
)

// The feed reports everything as string attributes in camelCase. The record
// types below carry the parsed, typed view the ingestion tasks work with.

type AgencyRecord struct {
	Tag         string
	Title       string
	ShortTitle  string
	RegionTitle string
}

type RouteRecord struct {
	Tag           string
	Title         string
	ShortTitle    string
	Color         string
	OppositeColor string
	LatMin        float64
	LatMax        float64
	LonMin        float64
	LonMax        float64
	Directions    []DirectionRecord
	Stops         []StopRecord
}

type DirectionRecord struct {
	Tag   string
	Title string
	Name  string
}

type StopRecord struct {
	Tag    string
	Title  string
	Lat    float64
	Lon    float64
	StopID *int64
}

// PredictionSet groups the predictions returned for one (route, stop) pair.
type PredictionSet struct {
	RouteTag    string
	StopTag     string
	Predictions []PredictionRecord
}

type PredictionRecord struct {
	Time        time.Time
	IsDeparture bool
	HasLayover  bool
	DirTag      string
	Vehicle     string
	Block       string
}

type VehicleRecord struct {
	Vehicle     string
	DirTag      string
	Lat         float64
	Lon         float64
	Time        time.Time
	Predictable bool
	Heading     *int
	SpeedKmHr   float64
}

// NormalizeAgencies maps agencyList elements to records.
func NormalizeAgencies(elements []*Element) []AgencyRecord {
	records := make([]AgencyRecord, 0, len(elements))
	for _, el := range elements {
		records = append(records, AgencyRecord{
			Tag:         el.Attr("tag"),
			Title:       el.Attr("title"),
			ShortTitle:  el.Attr("shortTitle"),
			RegionTitle: el.Attr("regionTitle"),
		})
	}
	return records
}

// NormalizeRoutes maps routeConfig route elements, including their nested
// stop and direction children, to records.
func NormalizeRoutes(elements []*Element) []RouteRecord {
	records := make([]RouteRecord, 0, len(elements))
	for _, el := range elements {
		r := RouteRecord{
			Tag:           el.Attr("tag"),
			Title:         el.Attr("title"),
			ShortTitle:    el.Attr("shortTitle"),
			Color:         el.Attr("color"),
			OppositeColor: el.Attr("oppositeColor"),
			LatMin:        parseFloat(el.Attr("latMin")),
			LatMax:        parseFloat(el.Attr("latMax")),
			LonMin:        parseFloat(el.Attr("lonMin")),
			LonMax:        parseFloat(el.Attr("lonMax")),
		}
		for _, stop := range el.FindAll("stop") {
			r.Stops = append(r.Stops, StopRecord{
				Tag:    stop.Attr("tag"),
				Title:  stop.Attr("title"),
				Lat:    parseFloat(stop.Attr("lat")),
				Lon:    parseFloat(stop.Attr("lon")),
				StopID: parseOptionalInt(stop.Attr("stopId")),
			})
		}
		for _, dir := range el.FindAll("direction") {
			r.Directions = append(r.Directions, DirectionRecord{
				Tag:   dir.Attr("tag"),
				Title: dir.Attr("title"),
				Name:  dir.Attr("name"),
			})
		}
		records = append(records, r)
	}
	return records
}

// NormalizePredictions maps predictions elements to sets. The feed nests
// prediction elements under direction elements; the direction grouping only
// exists for display, so it is flattened here and the per-prediction dirTag
// kept instead.
func NormalizePredictions(elements []*Element) []PredictionSet {
	sets := make([]PredictionSet, 0, len(elements))
	for _, el := range elements {
		set := PredictionSet{
			RouteTag: el.Attr("routeTag"),
			StopTag:  el.Attr("stopTag"),
		}
		for _, dir := range el.FindAll("direction") {
			for _, p := range dir.FindAll("prediction") {
				set.Predictions = append(set.Predictions, PredictionRecord{
					Time:        parseEpochMillis(p.Attr("epochTime")),
					IsDeparture: p.Attr("isDeparture") == "true",
					HasLayover:  p.Attr("affectedByLayover") == "true",
					DirTag:      p.Attr("dirTag"),
					Vehicle:     p.Attr("vehicle"),
					Block:       p.Attr("block"),
				})
			}
		}
		sets = append(sets, set)
	}
	return sets
}

// NormalizeVehicles maps vehicle elements to records. The feed reports the
// sample age as secsSinceReport; the absolute time is reconstructed against
// now. A negative heading means the heading is unknown.
func NormalizeVehicles(elements []*Element, now time.Time) []VehicleRecord {
	records := make([]VehicleRecord, 0, len(elements))
	for _, el := range elements {
		secs := parseFloat(el.Attr("secsSinceReport"))
		records = append(records, VehicleRecord{
			Vehicle:     el.Attr("id"),
			DirTag:      el.Attr("dirTag"),
			Lat:         parseFloat(el.Attr("lat")),
			Lon:         parseFloat(el.Attr("lon")),
			Time:        now.Add(-time.Duration(secs * float64(time.Second))),
			Predictable: el.Attr("predictable") == "true",
			Heading:     parseHeading(el.Attr("heading")),
			SpeedKmHr:   parseFloat(el.Attr("speedKmHr")),
		})
	}
	return records
}

func parseFloat(s string) float64 {
	v, _ := strconv.ParseFloat(s, 64)
	return v
}

func parseOptionalInt(s string) *int64 {
	if s == "" {
		return nil
	}
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return nil
	}
	return &v
}

func parseEpochMillis(s string) time.Time {
	ms, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return time.Time{}
	}
	return time.Unix(ms/1000, (ms%1000)*int64(time.Millisecond)).UTC()
}

func parseHeading(s string) *int {
	v, err := strconv.Atoi(s)
	if err != nil || v < 0 {
		return nil
	}
	return &v
}
