package mobility

import (
	"bufio"
	"fmt"
	"io"
	"regexp"
	"sort"
	"strconv"
	"time"

	"gonum.org/v1/gonum/spatial/r3"

	"github.com/emunet-dev/emunetd/model"
)

// WayPoint is one scripted movement: at Time, the node starts moving toward
// Dest at Speed (canvas units per second).
type WayPoint struct {
	Time  time.Duration
	Dest  model.Position
	Speed float64
}

// Track is a node's scripted position over time. Position is a pure
// function of elapsed time, which keeps mobility deterministic across
// pause/resume.
type Track struct {
	Initial model.Position
	Points  []WayPoint
	// Loop restarts the script from the initial position once the last
	// waypoint is reached.
	Loop bool
}

// sorted returns waypoints in time order without mutating the track.
func (t *Track) sorted() []WayPoint {
	pts := append([]WayPoint(nil), t.Points...)
	sort.SliceStable(pts, func(i, j int) bool { return pts[i].Time < pts[j].Time })
	return pts
}

// duration returns the elapsed time at which the final waypoint's movement
// completes.
func (t *Track) duration() time.Duration {
	pts := t.sorted()
	pos := t.Initial.Vec()
	var end time.Duration
	for _, wp := range pts {
		start := wp.Time
		if start < end {
			start = end
		}
		dist := r3.Norm(r3.Sub(wp.Dest.Vec(), pos))
		if wp.Speed > 0 {
			end = start + time.Duration(dist/wp.Speed*float64(time.Second))
		} else {
			end = start
		}
		pos = wp.Dest.Vec()
	}
	return end
}

// PositionAt evaluates the track at the given elapsed time.
func (t *Track) PositionAt(elapsed time.Duration) model.Position {
	if len(t.Points) == 0 {
		return t.Initial
	}
	if t.Loop {
		if total := t.duration(); total > 0 {
			elapsed = elapsed % total
		}
	}

	pos := t.Initial.Vec()
	var moveEnd time.Duration
	for _, wp := range t.sorted() {
		start := wp.Time
		if start < moveEnd {
			start = moveEnd
		}
		if elapsed <= start {
			break
		}

		dest := wp.Dest.Vec()
		dist := r3.Norm(r3.Sub(dest, pos))
		if wp.Speed <= 0 || dist == 0 {
			pos = dest
			moveEnd = start
			continue
		}

		travel := time.Duration(dist / wp.Speed * float64(time.Second))
		moveEnd = start + travel
		if elapsed >= moveEnd {
			pos = dest
			continue
		}

		// mid-flight: interpolate along the segment
		frac := float64(elapsed-start) / float64(travel)
		pos = r3.Add(pos, r3.Scale(frac, r3.Sub(dest, pos)))
		break
	}
	return model.PositionFromVec(pos)
}

var (
	// $node_(0) set X_ 125.0
	ns2InitialRE = regexp.MustCompile(`^\$node_\((\d+)\)\s+set\s+([XYZ])_\s+([0-9.eE+-]+)`)
	// $ns_ at 1.50 "$node_(0) setdest 25.0 50.0 5.0"
	ns2SetdestRE = regexp.MustCompile(`^\$ns_\s+at\s+([0-9.eE+-]+)\s+"\$node_\((\d+)\)\s+setdest\s+([0-9.eE+-]+)\s+([0-9.eE+-]+)\s+([0-9.eE+-]+)"`)
)

// ParseNS2Script reads an ns-2 movement scenario and returns one track per
// node id referenced by the script. Unrecognized lines are skipped, which
// matches how scenario generators pad scripts with bookkeeping commands.
func ParseNS2Script(r io.Reader) (map[int]*Track, error) {
	tracks := make(map[int]*Track)
	track := func(id int) *Track {
		if tracks[id] == nil {
			tracks[id] = &Track{}
		}
		return tracks[id]
	}

	scanner := bufio.NewScanner(r)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := scanner.Text()

		if m := ns2InitialRE.FindStringSubmatch(line); m != nil {
			id, _ := strconv.Atoi(m[1])
			value, err := strconv.ParseFloat(m[3], 64)
			if err != nil {
				return nil, fmt.Errorf("line %d: bad coordinate %q", lineNo, m[3])
			}
			tr := track(id)
			switch m[2] {
			case "X":
				tr.Initial.X = value
			case "Y":
				tr.Initial.Y = value
			case "Z":
				tr.Initial.Z = value
			}
			continue
		}

		if m := ns2SetdestRE.FindStringSubmatch(line); m != nil {
			at, err1 := strconv.ParseFloat(m[1], 64)
			id, _ := strconv.Atoi(m[2])
			x, err2 := strconv.ParseFloat(m[3], 64)
			y, err3 := strconv.ParseFloat(m[4], 64)
			speed, err4 := strconv.ParseFloat(m[5], 64)
			if err1 != nil || err2 != nil || err3 != nil || err4 != nil {
				return nil, fmt.Errorf("line %d: bad setdest %q", lineNo, line)
			}
			tr := track(id)
			tr.Points = append(tr.Points, WayPoint{
				Time:  time.Duration(at * float64(time.Second)),
				Dest:  model.Position{X: x, Y: y},
				Speed: speed,
			})
			continue
		}
	}
	return tracks, scanner.Err()
}
