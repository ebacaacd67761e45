package main

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"treepot/internal/game"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/tree"
	"github.com/fatih/color"
	"golang.org/x/term"
)

var (
	stdinReader = bufio.NewReader(os.Stdin)
	accent      = color.New(color.FgCyan, color.Bold)
	success     = color.New(color.FgGreen, color.Bold)
	warn        = color.New(color.FgYellow, color.Bold)
	danger      = color.New(color.FgRed, color.Bold)
	neutral     = color.New(color.FgHiWhite)

	rootStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("6"))
	labelStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("8"))
	stakeStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("2"))
)

func printSuccess(msg string) {
	success.Println(msg)
}

func printWarn(msg string) {
	warn.Println(msg)
}

func printError(msg string) {
	danger.Println(msg)
}

func printInfo(msg string) {
	neutral.Println(msg)
}

func promptRequired(label string) (string, error) {
	for {
		fmt.Printf("%s: ", label)
		text, err := stdinReader.ReadString('\n')
		if err != nil {
			return "", err
		}
		text = strings.TrimSpace(text)
		if text != "" {
			return text, nil
		}
		printWarn(label + " is required.")
	}
}

func promptOptional(label string) (string, error) {
	fmt.Printf("%s: ", label)
	text, err := stdinReader.ReadString('\n')
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(text), nil
}

// promptSecret reads without echo when stdin is a terminal.
func promptSecret(label string) (string, error) {
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return promptRequired(label)
	}
	for {
		fmt.Printf("%s: ", label)
		raw, err := term.ReadPassword(fd)
		fmt.Println()
		if err != nil {
			return "", err
		}
		if s := strings.TrimSpace(string(raw)); s != "" {
			return s, nil
		}
		printWarn(label + " is required.")
	}
}

func promptInt64(label string, min int64) (int64, error) {
	for {
		text, err := promptRequired(label)
		if err != nil {
			return 0, err
		}
		v, err := strconv.ParseInt(text, 10, 64)
		if err != nil {
			printWarn("Enter a whole number.")
			continue
		}
		if v < min {
			printWarn(fmt.Sprintf("Value must be >= %d", min))
			continue
		}
		return v, nil
	}
}

func promptAmount(label string) (game.Amount, error) {
	for {
		text, err := promptRequired(label)
		if err != nil {
			return 0, err
		}
		a, err := game.ParseAmount(text)
		if err != nil || a <= 0 {
			printWarn("Enter a positive amount, e.g. 12.5")
			continue
		}
		return a, nil
	}
}

func int64FromArgOrPrompt(args []string, idx int, label string) (int64, error) {
	if len(args) > idx {
		v, err := strconv.ParseInt(strings.TrimSpace(args[idx]), 10, 64)
		if err != nil || v <= 0 {
			return 0, fmt.Errorf("invalid %s", strings.ToLower(label))
		}
		return v, nil
	}
	return promptInt64(label, 1)
}

func amountFromArgOrPrompt(args []string, idx int, label string) (game.Amount, error) {
	if len(args) > idx {
		a, err := game.ParseAmount(strings.TrimSpace(args[idx]))
		if err != nil {
			return 0, err
		}
		if a <= 0 {
			return 0, fmt.Errorf("%s must be positive", strings.ToLower(label))
		}
		return a, nil
	}
	return promptAmount(label)
}

func stringFromArgOrPrompt(args []string, idx int, label string) (string, error) {
	if len(args) > idx {
		return strings.TrimSpace(args[idx]), nil
	}
	return promptRequired(label)
}

func renderPlayer(p game.Player) {
	accent.Printf("\n== %s ==\n", p.Account)
	fmt.Printf("Channel:          %s\n", p.Channel)
	fmt.Printf("Active balance:   %s\n", p.ActiveBalance)
	fmt.Printf("Vesting balance:  %s\n", p.VestingBalance)
	fmt.Printf("State:            %s\n", p.State)
	if p.LevelID != 0 {
		fmt.Printf("Level:            %d (position %d/%d, tries left %d)\n", p.LevelID, p.CurrentPosition, p.TryPosition, p.TriesLeft)
	}
	fmt.Printf("Joined:           %s\n\n", p.CreatedAt.Local().Format(time.RFC822))
}

func renderPreset(p game.Preset) {
	accent.Printf("\n== Preset %d", p.ID)
	if p.Name != "" {
		accent.Printf(" (%s)", p.Name)
	}
	accent.Println(" ==")
	fmt.Printf("Owner:        %s\n", p.Owner)
	fmt.Printf("Level:        length %d, greens %d, reds %d\n", p.LevelLength, p.LevelGreens, p.LevelReds)
	fmt.Printf("Stake:        min %s, rate %d%%\n", p.StakeMin, p.StakeRate)
	fmt.Printf("Split rate:   %d%%\n", p.SplitRate)
	fmt.Printf("Winner rate:  %d%%\n", p.WinnerRate)
	fmt.Printf("Sales rate:   %d%%\n", p.SalesRate)
	if minPot, err := p.MinimumPot(); err == nil {
		fmt.Printf("Minimum pot:  %s\n", minPot)
	}
	if p.URL != "" {
		fmt.Printf("URL:          %s\n", p.URL)
	}
	fmt.Println()
}

func branchTree(b game.BranchView) *tree.Tree {
	title := rootStyle.Render(fmt.Sprintf("branch %d", b.ID)) + " " +
		labelStyle.Render(fmt.Sprintf("gen %d, owner %s, stake %s", b.Generation, b.Owner, b.TotalStake))
	t := tree.Root(title)

	revenue := tree.Root(labelStyle.Render("revenue")).Child(
		fmt.Sprintf("total %s", b.TotalRevenue),
		fmt.Sprintf("parent %s", b.ParentRevenue),
		fmt.Sprintf("winner %s", b.WinnerRevenue),
		fmt.Sprintf("residual %s", b.Residual),
	)
	t.Child(revenue)

	if len(b.Stakes) > 0 {
		stakes := tree.Root(labelStyle.Render("stakes"))
		for _, s := range b.Stakes {
			stakes.Child(stakeStyle.Render(fmt.Sprintf("%s %s", s.Owner, s.Amount)))
		}
		t.Child(stakes)
	}
	if len(b.Children) > 0 {
		children := tree.Root(labelStyle.Render("children"))
		for _, c := range b.Children {
			children.Child(fmt.Sprintf("branch %d (%s, stake %s)", c.ID, c.Owner, c.TotalStake))
		}
		t.Child(children)
	}
	return t
}

func renderBranch(b game.BranchView) {
	fmt.Println()
	fmt.Println(branchTree(b).String())
	if b.Winner != "" {
		fmt.Printf("winner: %s\n", b.Winner)
	}
	status := "processed"
	if b.Dirty() {
		status = "dirty"
	}
	fmt.Printf("revenue share: %s\n\n", status)
}

func renderStakes(rows []game.StakeView) {
	if len(rows) == 0 {
		printInfo("No stakes yet.")
		return
	}
	fmt.Printf("%-24s %14s %14s %14s\n", "OWNER", "OWNED", "TOTAL", "SHARE")
	for _, r := range rows {
		fmt.Printf("%-24s %14s %14s %14s\n", truncate(r.Owner, 24), r.Owned, r.Total, r.Share)
	}
}

func renderJournal(rows []game.JournalEntry) {
	if len(rows) == 0 {
		printInfo("Journal is empty.")
		return
	}
	fmt.Printf("%-20s %-22s %8s %14s\n", "TIME", "ACTION", "BRANCH", "DELTA")
	for _, e := range rows {
		branch := "-"
		if e.BranchID != 0 {
			branch = strconv.FormatInt(e.BranchID, 10)
		}
		fmt.Printf("%-20s %-22s %8s %14s\n", e.CreatedAt.Local().Format("2006-01-02 15:04:05"), truncate(e.Action, 22), branch, colorizeDelta(e.Delta))
	}
}

func colorizeDelta(v int64) string {
	a := game.Amount(v)
	if v > 0 {
		return color.GreenString("+%s", a)
	}
	if v < 0 {
		return color.RedString("-%s", game.Amount(-v))
	}
	return a.String()
}

func truncate(s string, n int) string {
	if n <= 0 {
		return ""
	}
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	if n <= 3 {
		return string(r[:n])
	}
	return string(r[:n-3]) + "..."
}
