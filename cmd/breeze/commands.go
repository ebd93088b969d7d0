package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/divijg19/breeze/internal/config"
	"github.com/divijg19/breeze/internal/core"
	"github.com/divijg19/breeze/internal/engine"
	"github.com/divijg19/breeze/internal/monitor"
	"github.com/divijg19/breeze/internal/sharedstate"
	"github.com/divijg19/breeze/internal/storage"
	"github.com/divijg19/breeze/internal/watch"
)

func formatShort(t time.Time) string {
	return t.Local().Format("2006-01-02 15:04")
}

func windBar(points float64) string {
	const width = 20
	n := int(points / core.MaxWind * width)
	n = max(0, min(width, n))
	return "[" + strings.Repeat("#", n) + strings.Repeat(".", width-n) + "]"
}

// petID resolves an optional id argument to the monitored pet.
func (a *app) petID(ctx context.Context, id string) (string, error) {
	if id = strings.TrimSpace(id); id != "" {
		return id, nil
	}
	if id = a.state.MonitoredPetID(ctx); id != "" {
		return id, nil
	}
	return "", errors.New("no pet is monitored; run: breeze pet create <name>")
}

// reconciled loads a pet and, when it is the monitored one, reconciles it with the shared state.
func (a *app) reconciled(ctx context.Context, id string) (engine.ReconcileResult, error) {
	pet, err := a.pets.GetPet(ctx, id)
	if err != nil {
		return engine.ReconcileResult{}, err
	}
	return engine.NewProtocol(a.deps, nil).Reconcile(ctx, pet)
}

func (a *app) cmdPetCreate(ctx context.Context, name, preset string) int {
	name = strings.TrimSpace(name)
	if name == "" {
		fmt.Fprintln(os.Stderr, "pet create: name is empty")
		return 2
	}
	if preset == "" {
		preset = a.cfg.Game.DefaultPreset
	}
	rates, err := core.PresetRates(core.Preset(preset))
	if err != nil {
		fmt.Fprintf(os.Stderr, "pet create: %v\n", err)
		return 2
	}
	pet, err := a.pets.CreatePet(ctx, name, core.Preset(preset), rates)
	if err != nil {
		fmt.Fprintf(os.Stderr, "pet create: %v\n", err)
		return 1
	}
	fmt.Printf("Adopted %s (%s, %s)\n", pet.Name, pet.ID, pet.Preset)

	if a.state.MonitoredPetID(ctx) == "" {
		if err := engine.NewProtocol(a.deps, nil).PublishMonitoring(ctx, pet); err != nil {
			fmt.Fprintf(os.Stderr, "pet create: monitor: %v\n", err)
			return 1
		}
		fmt.Printf("Now monitoring %s. Limit: %s of screen time.\n", pet.Name, time.Duration(rates.LimitSeconds())*time.Second)
	}
	return 0
}

func (a *app) cmdPetList(ctx context.Context) int {
	pets, err := a.pets.ListPets(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "pet list: %v\n", err)
		return 1
	}
	if len(pets) == 0 {
		fmt.Println("No pets yet.")
		return 0
	}
	monitored := a.state.MonitoredPetID(ctx)
	fmt.Printf("%-2s %-36s %-12s %-9s %-5s %-6s %s\n", "", "ID", "NAME", "PRESET", "PHASE", "WIND", "STATE")
	for _, p := range pets {
		mark := ""
		if p.ID == monitored {
			mark = "*"
		}
		state := "ok"
		if p.Evolution.IsBlownAway {
			state = "blown away"
		}
		fmt.Printf("%-2s %-36s %-12s %-9s %-5d %-6.1f %s\n", mark, p.ID, p.Name, p.Preset, p.Evolution.CurrentPhase, p.Wind.Points, state)
	}
	return 0
}

func (a *app) cmdPetShow(ctx context.Context, id string) int {
	id, err := a.petID(ctx, id)
	if err != nil {
		fmt.Fprintf(os.Stderr, "pet show: %v\n", err)
		return 1
	}
	res, err := a.reconciled(ctx, id)
	if err != nil {
		fmt.Fprintf(os.Stderr, "pet show: %v\n", err)
		return 1
	}
	pet := res.Pet
	fmt.Printf("%s  (%s)\n", pet.Name, pet.ID)
	fmt.Printf("Preset:  %s  (limit %s)\n", pet.Preset, time.Duration(pet.Rates.LimitSeconds())*time.Second)
	fmt.Printf("Phase:   %d/%d\n", pet.Evolution.CurrentPhase, core.MaxPhase)
	if pet.Evolution.IsBlownAway {
		fmt.Println("State:   blown away")
		return 0
	}
	if id != a.state.MonitoredPetID(ctx) {
		fmt.Printf("Wind:    %s %.1f (not monitored)\n", windBar(pet.Wind.Points), pet.Wind.Points)
		return 0
	}
	st := engine.NewBreakMachine(a.deps, a.kinds).Status(ctx)
	fmt.Printf("Wind:    %s %.1f  %s\n", windBar(st.Effective), st.Effective, core.LevelFor(st.Effective))
	fmt.Printf("Usage:   %s today\n", time.Duration(a.state.LastThresholdSeconds(ctx))*time.Second)
	if st.Active != nil {
		fmt.Printf("Shield:  up (%s break since %s)\n", st.Active.Kind, formatShort(st.Active.StartedAt))
	}
	if st.MorningShield {
		fmt.Println("Morning shield is up. Run: breeze shield lift")
	}
	if core.CanEvolve(pet, st.Effective, st.Active != nil, a.cfg.Game.EvolutionCeiling) {
		fmt.Println("Ready to evolve. Run: breeze pet evolve")
	}
	return 0
}

func (a *app) cmdPetSelect(ctx context.Context, id string) int {
	pet, err := a.pets.GetPet(ctx, id)
	if errors.Is(err, storage.ErrNotFound) {
		fmt.Fprintf(os.Stderr, "pet select: no pet with id %s\n", id)
		return 1
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "pet select: %v\n", err)
		return 1
	}
	if err := engine.NewProtocol(a.deps, nil).PublishMonitoring(ctx, pet); err != nil {
		fmt.Fprintf(os.Stderr, "pet select: %v\n", err)
		if errors.Is(err, engine.ErrPresetLocked) {
			fmt.Fprintln(os.Stderr, "The monitored pet can change again after the day boundary.")
		}
		return 1
	}
	fmt.Printf("Now monitoring %s.\n", pet.Name)
	return 0
}

func (a *app) cmdPetEvolve(ctx context.Context, id string) int {
	id, err := a.petID(ctx, id)
	if err != nil {
		fmt.Fprintf(os.Stderr, "pet evolve: %v\n", err)
		return 1
	}
	res, err := a.reconciled(ctx, id)
	if err != nil {
		fmt.Fprintf(os.Stderr, "pet evolve: %v\n", err)
		return 1
	}
	effective := res.Pet.Wind.Points
	breakActive := false
	if id == a.state.MonitoredPetID(ctx) {
		effective = engine.NewWindEngine(a.deps).EffectiveWindPoints(ctx)
		breakActive = a.state.ShieldActive(ctx)
	}
	if !core.CanEvolve(res.Pet, effective, breakActive, a.cfg.Game.EvolutionCeiling) {
		fmt.Fprintf(os.Stderr, "pet evolve: %s cannot evolve right now (wind %.1f, ceiling %.0f)\n",
			res.Pet.Name, effective, a.cfg.Game.EvolutionCeiling)
		return 1
	}
	phase, err := a.pets.Evolve(ctx, id)
	if err != nil {
		fmt.Fprintf(os.Stderr, "pet evolve: %v\n", err)
		return 1
	}
	fmt.Printf("%s evolved to phase %d.\n", res.Pet.Name, phase)
	return 0
}

func (a *app) cmdBreakStart(ctx context.Context, kindArg string, minutes int) int {
	kind, err := core.ParseBreakKind(kindArg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "break start: %v\n", err)
		return 2
	}
	var planned *time.Duration
	if minutes > 0 {
		d := time.Duration(minutes) * time.Minute
		planned = &d
	}
	session, err := engine.NewBreakMachine(a.deps, a.kinds).Start(ctx, kind, planned)
	if err != nil {
		fmt.Fprintf(os.Stderr, "break start: %v\n", err)
		if errors.Is(err, engine.ErrKindNotSelectable) {
			fmt.Fprintf(os.Stderr, "Game mode %q offers: %v\n", a.cfg.Game.Mode, a.kinds)
		}
		return 1
	}
	fmt.Printf("Shield up. %s break started at %s", session.Kind, formatShort(session.StartedAt))
	if end := session.PlannedEnd(); end != nil {
		fmt.Printf(", ends at %s", formatShort(*end))
	}
	fmt.Println(".")
	return 0
}

func (a *app) cmdBreakEnd(ctx context.Context) int {
	res, err := engine.NewBreakMachine(a.deps, a.kinds).End(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "break end: %v\n", err)
		return 1
	}
	if res == nil {
		fmt.Println("No break is active.")
		return 0
	}
	fmt.Printf("Break over. Wind %.1f -> %.1f.\n", res.Record.WindAtStart, res.Points)
	return 0
}

func (a *app) cmdBreakFail(ctx context.Context) int {
	res, err := engine.NewBreakMachine(a.deps, a.kinds).Fail(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "break fail: %v\n", err)
		return 1
	}
	switch {
	case res == nil:
		fmt.Println("No break is active.")
	case res.BlowAway:
		fmt.Println("The shield broke and your pet was blown away.")
	default:
		fmt.Println("Break abandoned.")
	}
	return 0
}

func (a *app) cmdBreakStatus(ctx context.Context) int {
	st := engine.NewBreakMachine(a.deps, a.kinds).Status(ctx)
	if st.Active == nil {
		fmt.Printf("No break is active. Wind %.1f.\n", st.Points)
		return 0
	}
	fmt.Printf("%s break since %s\n", st.Active.Kind, formatShort(st.Active.StartedAt))
	if st.PlannedEnd != nil {
		fmt.Printf("Planned end: %s", formatShort(*st.PlannedEnd))
		if st.Due {
			fmt.Print(" (due)")
		}
		fmt.Println()
	}
	fmt.Printf("Wind: %.1f now, %.1f when committed\n", st.Effective, st.Points)
	return 0
}

func (a *app) cmdThreshold(ctx context.Context, seconds, session int64) int {
	if seconds < 0 {
		fmt.Fprintln(os.Stderr, "threshold: seconds must be >= 0")
		return 2
	}
	u, err := engine.NewProtocol(a.deps, nil).HandleThreshold(ctx, engine.ThresholdEvent{
		PetID:             a.state.MonitoredPetID(ctx),
		CumulativeSeconds: seconds,
		SessionID:         session,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "threshold: %v\n", err)
		return 1
	}
	if !u.Applied && u.Delta > 0 {
		fmt.Printf("Break in progress. Wind stays at %.1f.\n", u.State.Points)
		return 0
	}
	if !u.Applied {
		fmt.Printf("Ignored. Wind stays at %.1f.\n", u.State.Points)
		return 0
	}
	fmt.Printf("Wind %.1f (%s)\n", u.State.Points, core.LevelFor(u.State.Points))
	return 0
}

func (a *app) cmdSessionStart(ctx context.Context, id int64) int {
	if id == 0 {
		id = a.clock.Now().Unix()
	}
	started, err := engine.NewProtocol(a.deps, nil).StartSession(ctx, id)
	if err != nil {
		fmt.Fprintf(os.Stderr, "session start: %v\n", err)
		return 1
	}
	if !started {
		fmt.Printf("Session %d is not newer than the current one.\n", id)
		return 0
	}
	fmt.Printf("Session %d started.\n", id)
	return 0
}

func (a *app) cmdReconcile(ctx context.Context) int {
	id, err := a.petID(ctx, "")
	if err != nil {
		fmt.Fprintf(os.Stderr, "reconcile: %v\n", err)
		return 1
	}
	res, err := a.reconciled(ctx, id)
	if err != nil {
		fmt.Fprintf(os.Stderr, "reconcile: %v\n", err)
		return 1
	}
	printReconcile(os.Stdout, res)
	return 0
}

func printReconcile(w io.Writer, res engine.ReconcileResult) {
	switch {
	case res.BlowAway:
		fmt.Fprintf(w, "%s was blown away.\n", res.Pet.Name)
	case res.Adopted:
		fmt.Fprintf(w, "%s: wind %.1f (updated from monitor)\n", res.Pet.Name, res.Pet.Wind.Points)
	default:
		fmt.Fprintf(w, "%s: wind %.1f (up to date)\n", res.Pet.Name, res.Pet.Wind.Points)
	}
}

func (a *app) cmdDayBoundary(ctx context.Context) int {
	cutoff := a.days.Start(a.clock.Now())
	// Same path as the monitor's scheduled job, so the new day also gets a fresh session.
	res, err := monitor.NewRunner(a.deps, a.kinds, a.cfg.Day.MorningShield).CloseDay(ctx, cutoff)
	if err != nil {
		fmt.Fprintf(os.Stderr, "day-boundary: %v\n", err)
		return 1
	}
	if res != nil {
		fmt.Printf("Ended %s break after %d minutes.\n", res.Kind, res.ActualMinutes)
	}
	fmt.Printf("Day %s started.\n", a.days.Day(cutoff))
	return 0
}

func (a *app) cmdShieldLift(ctx context.Context) int {
	if err := engine.NewDayBoundary(a.deps, a.cfg.Day.MorningShield).LiftMorningShield(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "shield lift: %v\n", err)
		return 1
	}
	fmt.Println("Morning shield lifted.")
	return 0
}

func (a *app) cmdMonitor(ctx context.Context, input string, follow bool) int {
	var in io.Reader = os.Stdin
	if input != "" {
		f, err := os.Open(input)
		if err != nil {
			fmt.Fprintf(os.Stderr, "monitor: %v\n", err)
			return 1
		}
		defer f.Close()
		in = f
	}
	sched, err := monitor.NewScheduler(a.clock, a.days, a.logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "monitor: %v\n", err)
		return 1
	}
	a.serveMetrics(ctx)
	runner := monitor.NewRunner(a.deps, a.kinds, a.cfg.Day.MorningShield)
	due := config.Duration(a.cfg.Monitor.DueCheckInterval, 30*time.Second)
	if err := runner.Run(ctx, in, sched, due, follow); err != nil {
		fmt.Fprintf(os.Stderr, "monitor: %v\n", err)
		return 1
	}
	return 0
}

func (a *app) cmdWatch(ctx context.Context) int {
	id, err := a.petID(ctx, "")
	if err != nil {
		fmt.Fprintf(os.Stderr, "watch: %v\n", err)
		return 1
	}
	a.serveMetrics(ctx)
	onChange := func(ctx context.Context) error {
		res, err := a.reconciled(ctx, id)
		if err != nil {
			return err
		}
		printReconcile(os.Stdout, res)
		return nil
	}
	if err := onChange(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "watch: %v\n", err)
		return 1
	}
	opts := watch.Options{
		Debounce: config.Duration(a.cfg.Monitor.WatchDebounce, 250*time.Millisecond),
		Logger:   a.logger,
	}
	if a.kv != nil {
		if err := watch.WatchKeys(ctx, a.kv, opts, onChange); err != nil {
			fmt.Fprintf(os.Stderr, "watch: %v\n", err)
			return 1
		}
		return 0
	}
	fw, err := watch.NewFileWatcher(a.dbPath, opts)
	if err != nil {
		fmt.Fprintf(os.Stderr, "watch: %v\n", err)
		return 1
	}
	if err := fw.Start(ctx, onChange); err != nil {
		fmt.Fprintf(os.Stderr, "watch: %v\n", err)
		return 1
	}
	<-ctx.Done()
	if err := fw.Stop(); err != nil {
		fmt.Fprintf(os.Stderr, "watch: %v\n", err)
		return 1
	}
	return 0
}

func (a *app) cmdHistory(ctx context.Context, limit int, events bool) int {
	id, err := a.petID(ctx, "")
	if err != nil {
		fmt.Fprintf(os.Stderr, "history: %v\n", err)
		return 1
	}
	if events {
		evs, err := a.pets.ListEvents(ctx, id)
		if err != nil {
			fmt.Fprintf(os.Stderr, "history: %v\n", err)
			return 1
		}
		for _, ev := range evs {
			fmt.Printf("- %s  %s  %s\n", formatShort(ev.At), ev.Kind, ev.Payload)
		}
		return 0
	}
	recs, err := a.pets.ListBreaks(ctx, id, limit)
	if err != nil {
		fmt.Fprintf(os.Stderr, "history: %v\n", err)
		return 1
	}
	if len(recs) == 0 {
		fmt.Println("No breaks yet.")
		return 0
	}
	fmt.Printf("%-16s %-10s %-8s %-12s %s\n", "STARTED", "KIND", "MINUTES", "WIND", "RESULT")
	for _, r := range recs {
		result := "completed"
		if r.WasViolated {
			result = "violated"
		}
		fmt.Printf("%-16s %-10s %-8.0f %5.1f -%-5.1f %s\n",
			formatShort(r.StartedAt), r.Kind, core.ElapsedMinutes(r.StartedAt, r.EndedAt),
			r.WindAtStart, r.WindDecreased, result)
	}
	return 0
}

func (a *app) cmdState(ctx context.Context) int {
	if dumper, ok := a.shared.(interface {
		Dump(context.Context) (map[sharedstate.Key]string, error)
	}); ok {
		if err := a.state.Flush(ctx); err != nil {
			fmt.Fprintf(os.Stderr, "state: %v\n", err)
			return 1
		}
		values, err := dumper.Dump(ctx)
		if err != nil {
			fmt.Fprintf(os.Stderr, "state: %v\n", err)
			return 1
		}
		for _, k := range sharedstate.AllKeys() {
			if v, ok := values[k]; ok {
				fmt.Printf("%-30s %s\n", k, v)
			}
		}
		return 0
	}
	for _, k := range sharedstate.AllKeys() {
		if v, ok := a.state.String(ctx, k); ok {
			fmt.Printf("%-30s %s\n", k, v)
		}
	}
	return 0
}
