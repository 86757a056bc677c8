package commandline

import (
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/charmbracelet/lipgloss"
	lgtable "github.com/charmbracelet/lipgloss/table"
	"github.com/muesli/termenv"
	"github.com/schollz/progressbar/v3"
)

// Stat is one line of statistics displayed below the progress bar.
type Stat struct {
	Name, Value string
}

// ProgressBar displays a progress bar on the command line, with a table of statistics below it.
// The display is updated asynchronously, so a fast producer is not slowed down by the terminal.
//
// Create it with NewProgressBar, call Update as progress happens, and Done at the end.
// It is safe for concurrent use.
type ProgressBar struct {
	mu               sync.Mutex
	numSteps         int
	lastStepReported int
	bar              *progressbar.ProgressBar
	finished         bool

	// lipgloss-based rich and asynchronous display for the command-line.
	termenv          *termenv.Output
	statsStyle       lipgloss.Style
	statsTable       *lgtable.Table
	isFirstOutput    bool
	updates          chan progressBarUpdate
	asyncUpdatesDone sync.WaitGroup
}

type progressBarUpdate struct {
	amount int
	stats  []Stat
}

// maxUpdateFrequency is the time between updates to the commandline display of stats.
const maxUpdateFrequency = time.Millisecond * 200

// NewProgressBar creates and starts displaying a progress bar for numSteps steps.
func NewProgressBar(numSteps int, description string) *ProgressBar {
	pBar := &ProgressBar{
		numSteps:      numSteps,
		isFirstOutput: true,
		termenv:       termenv.NewOutput(os.Stdout),
		statsStyle:    lipgloss.NewStyle().PaddingLeft(8),
		statsTable:    NewStatsTable(),
		updates:       make(chan progressBarUpdate, 100), // Large buffer so things are not blocked.
	}
	pBar.bar = progressbar.NewOptions(numSteps,
		progressbar.OptionSetDescription(fmt.Sprintf("%s (%d steps): ", description, numSteps)),
		progressbar.OptionUseANSICodes(true),
		progressbar.OptionEnableColorCodes(true),
		progressbar.OptionShowIts(),
		progressbar.OptionSetItsString("steps"),
		progressbar.OptionSetTheme(progressbar.ThemeUnicode),
		progressbar.OptionSetWriter(os.Stdout),
	)
	pBar.asyncUpdatesDone.Add(1)
	go pBar.drawLoop()
	return pBar
}

// drawLoop draws the updates as they arrive, until the updates channel is closed.
func (pBar *ProgressBar) drawLoop() {
	defer pBar.asyncUpdatesDone.Done()
	for update := range pBar.updates {
		// Exhaust the updates in buffer:
		amount := update.amount
	exhaust:
		for {
			select {
			case newUpdate, ok := <-pBar.updates:
				if !ok {
					break exhaust
				}
				amount += newUpdate.amount
				update = newUpdate
			default:
				break exhaust
			}
		}

		// We clear the previous lines that will be overwritten.
		if !pBar.isFirstOutput {
			pBar.termenv.ClearLines(len(update.stats) + 1 + 2)
		}
		pBar.isFirstOutput = false

		// Print update.
		_ = pBar.bar.Add(amount) // Prints progress bar line.
		pBar.statsTable.Data(lgtable.NewStringData())
		fmt.Println()
		for _, stat := range update.stats {
			pBar.statsTable.Row(stat.Name, stat.Value)
		}
		fmt.Println(pBar.statsStyle.Render(pBar.statsTable.String()))
		time.Sleep(maxUpdateFrequency)
	}
}

// Update reports that step steps are completed (in total, not incremental), along with the
// statistics to display. Steps going backwards are ignored.
//
// The number of stats should be the same on every call.
func (pBar *ProgressBar) Update(step int, stats ...Stat) {
	pBar.mu.Lock()
	defer pBar.mu.Unlock()
	if pBar.finished {
		return
	}
	amount := min(step, pBar.numSteps) - pBar.lastStepReported
	if amount <= 0 {
		return
	}
	pBar.lastStepReported += amount
	pBar.updates <- progressBarUpdate{amount: amount, stats: append([]Stat(nil), stats...)}
}

// Done stops the progress bar, waiting for pending updates to be displayed. It can be called more than once.
func (pBar *ProgressBar) Done() {
	pBar.mu.Lock()
	if pBar.finished {
		pBar.mu.Unlock()
		return
	}
	pBar.finished = true
	close(pBar.updates)
	pBar.mu.Unlock()
	pBar.asyncUpdatesDone.Wait()
	fmt.Println()
}
