package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/dvloznov/mispesos/internal/app"
	"github.com/dvloznov/mispesos/internal/config"
	"github.com/dvloznov/mispesos/internal/confirm"
	"github.com/dvloznov/mispesos/internal/domain"
	"github.com/dvloznov/mispesos/internal/learning"
	"github.com/dvloznov/mispesos/internal/logger"
	"github.com/dvloznov/mispesos/internal/pipeline"
	"github.com/dvloznov/mispesos/internal/reconcile"
)

var (
	errc  = color.New(color.BgRed, color.FgWhite).PrintfFunc()
	okc   = color.New(color.BgGreen, color.FgBlack).PrintfFunc()
	warnc = color.New(color.BgYellow, color.FgBlack).PrintfFunc()
	keyc  = color.New(color.FgCyan).PrintfFunc()
)

func checkf(err error, format string, args ...any) {
	if err != nil {
		errc(" ERROR ")
		fmt.Fprintf(os.Stderr, " %s: %+v\n", fmt.Sprintf(format, args...), errors.WithStack(err))
		os.Exit(1)
	}
}

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	cfg, err := config.Load()
	checkf(err, "loading config")

	// Logs go to stderr so stdout stays readable.
	log, err := logger.NewFromConfig(cfg.Log, os.Stderr)
	checkf(err, "creating logger")
	logger.SetDefault(log)

	switch os.Args[1] {
	case "parse":
		runParse(cfg, log)
	case "reconcile":
		runReconcile()
	case "classify":
		runClassify(cfg, log)
	case "correct":
		runCorrect(cfg, log)
	case "keywords":
		runKeywords(cfg)
	case "help", "-h", "--help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println("mispesos CLI")
	fmt.Println("\nUsage:")
	fmt.Println("  cli <command> [options]")
	fmt.Println("\nCommands:")
	fmt.Println("  parse      Parse a Spanish expense message into a draft")
	fmt.Println("  reconcile  Extract totals and tax fields from receipt OCR text")
	fmt.Println("  classify   Show the category the keyword table picks for a text")
	fmt.Println("  correct    Apply a category correction to the keyword weights")
	fmt.Println("  keywords   List the keyword table")
	fmt.Println("  help       Show this help message")
	fmt.Println("\nRun 'cli <command> -h' for more information on a command.")
}

// readInput returns the flag value, the contents of a file, or stdin for "-".
func readInput(value, path string) string {
	if path == "" {
		return value
	}
	var (
		data []byte
		err  error
	)
	if path == "-" {
		data, err = io.ReadAll(os.Stdin)
	} else {
		data, err = os.ReadFile(path)
	}
	checkf(err, "reading %s", path)
	return string(data)
}

func build(cfg config.Config, log zerolog.Logger) (context.Context, *app.Components) {
	ctx := logger.WithContext(context.Background(), log)
	comps, err := app.Build(ctx, cfg, log)
	checkf(err, "building parser")
	return ctx, comps
}

func runParse(cfg config.Config, log zerolog.Logger) {
	fs := flag.NewFlagSet("parse", flag.ExitOnError)
	text := fs.String("text", "", "Message to parse")
	textFile := fs.String("file", "", "Read the message from a file (- for stdin)")
	ocrFile := fs.String("ocr", "", "Receipt OCR text file (- for stdin)")
	user := fs.String("user", "cli", "User ID")
	asJSON := fs.Bool("json", false, "Print the draft as JSON")
	fs.Parse(os.Args[2:])

	msg := readInput(*text, *textFile)
	ocr := readInput("", *ocrFile)

	ctx, comps := build(cfg, log)
	defer comps.Close()
	// The AI budget is enforced inside the client; this only bounds the run.
	ctx, cancel := context.WithTimeout(ctx, cfg.AITimeout()+10*time.Second)
	defer cancel()

	draft, err := comps.Parser.Parse(ctx, pipeline.Request{Text: msg, OCRText: ocr, UserID: *user})
	var pf *domain.ParseFailure
	if errors.As(err, &pf) {
		warnc(" %s ", strings.ToUpper(string(pf.Reason)))
		fmt.Printf(" %s\n", pf.Clarification())
		os.Exit(2)
	}
	checkf(err, "parsing %q", msg)

	if *asJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		checkf(enc.Encode(draft), "encoding draft")
		return
	}

	fmt.Println(confirm.Message(draft))
	fmt.Println()
	keyc("%-12s", "source")
	fmt.Printf(" %s (%.2f)\n", draft.Source, draft.Confidence)
	if draft.NeedsReview {
		warnc(" REVIEW ")
		fmt.Printf(" %s\n", strings.Join(draft.ReviewReasons, ", "))
	} else {
		okc(" OK ")
		fmt.Println()
	}
}

func runReconcile() {
	fs := flag.NewFlagSet("reconcile", flag.ExitOnError)
	file := fs.String("file", "-", "Receipt OCR text file (- for stdin)")
	fs.Parse(os.Args[2:])

	rec := reconcile.Reconcile(readInput("", *file))

	show := func(label string, v *string) {
		keyc("%-16s", label)
		if v == nil {
			fmt.Println(" -")
			return
		}
		fmt.Printf(" %s\n", *v)
	}
	amount := func(label string, d interface{ String() string }, ok bool) {
		keyc("%-16s", label)
		if !ok {
			fmt.Println(" -")
			return
		}
		fmt.Printf(" %s\n", d.String())
	}

	show("company", rec.CompanyName)
	show("tax id", rec.TaxID)
	show("receipt number", rec.ReceiptNumber)
	amount("subtotal", rec.Subtotal, rec.Subtotal != nil)
	amount("tax", rec.TaxAmount, rec.TaxAmount != nil)
	amount("total", rec.TotalAmount, rec.TotalAmount != nil)
	keyc("%-16s", "ocr confidence")
	fmt.Printf(" %.2f\n", rec.OCRConfidence)
	if rec.OCRConfidence < reconcile.MinOCRConfidence {
		warnc(" LOW CONFIDENCE ")
		fmt.Println()
	}
}

func runClassify(cfg config.Config, log zerolog.Logger) {
	fs := flag.NewFlagSet("classify", flag.ExitOnError)
	text := fs.String("text", "", "Text to classify")
	fs.Parse(os.Args[2:])
	if *text == "" {
		checkf(errors.New("--text is required"), "classify")
	}

	ctx, comps := build(cfg, log)
	defer comps.Close()

	m, ok, err := comps.Classifier.Classify(ctx, *text)
	checkf(err, "classifying %q", *text)
	if !ok {
		warnc(" NO MATCH ")
		fmt.Println()
		return
	}
	okc(" %s ", m.Category.Name)
	fmt.Printf(" score %.2f %v\n", m.Score, m.Matched)
}

func runCorrect(cfg config.Config, log zerolog.Logger) {
	fs := flag.NewFlagSet("correct", flag.ExitOnError)
	text := fs.String("text", "", "Original message")
	from := fs.String("from", "", "Category the parser chose")
	to := fs.String("to", "", "Correct category")
	user := fs.String("user", "cli", "User ID")
	fs.Parse(os.Args[2:])
	if *text == "" || *to == "" {
		checkf(errors.New("--text and --to are required"), "correct")
	}

	ctx, comps := build(cfg, log)
	defer comps.Close()
	if cfg.Keywords.Backend == "memory" {
		warnc(" MEMORY ")
		fmt.Println(" keywords.backend is memory; the adjustment is not persisted")
	}

	snap, err := comps.Keywords.Snapshot(ctx)
	checkf(err, "reading categories")
	target, ok := snap.Category(*to)
	if !ok {
		checkf(errors.Errorf("unknown category %q", *to), "correct")
	}

	learner := learning.New(comps.Keywords, cfg.LearningRate, cfg.WeightCap)
	res, err := learner.ApplyCorrection(ctx, domain.CorrectionEvent{
		ID:     uuid.NewString(),
		UserID: *user,
		OriginalDraft: domain.TransactionDraft{
			OriginalText: *text,
			Category:     *from,
		},
		CorrectedFields: map[string]string{domain.FieldCategory: target.Name},
		Timestamp:       time.Now(),
	})
	checkf(err, "applying correction")

	if len(res.Adjustments) == 0 {
		warnc(" NO CHANGE ")
		fmt.Println()
		return
	}
	for _, a := range res.Adjustments {
		keyc("%-20s", a.Keyword)
		fmt.Printf(" %-16s %.2f -> %.2f\n", a.Category, a.Before, a.After)
	}
}

func runKeywords(cfg config.Config) {
	fs := flag.NewFlagSet("keywords", flag.ExitOnError)
	category := fs.String("category", "", "Only show this category")
	fs.Parse(os.Args[2:])

	ctx := context.Background()
	store, err := app.OpenKeywords(ctx, cfg.Keywords)
	checkf(err, "opening keywords")
	defer store.Close()

	snap, err := store.Snapshot(ctx)
	checkf(err, "reading keywords")

	for _, c := range snap.Categories {
		if *category != "" && !strings.EqualFold(c.Name, *category) {
			continue
		}
		okc(" %-16s ", c.Name)
		fmt.Printf(" priority %d\n", c.Priority)
		for _, k := range snap.Keywords {
			if k.Category != c.Name {
				continue
			}
			fmt.Printf("   %-24s %.2f\n", k.Keyword, k.Weight)
		}
	}
}
