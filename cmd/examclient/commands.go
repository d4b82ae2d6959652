package main

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/pavelanni/examclient/internal/api"
	appI18n "github.com/pavelanni/examclient/internal/i18n"
	"github.com/pavelanni/examclient/internal/model"
)

func loginCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "login",
		Short: "Sign in and store the credential locally",
		RunE:  runLogin,
	}
	f := cmd.Flags()
	f.StringP("email", "e", "", "Account email (prompted when empty)")
	f.StringP("password", "p", "", "Account password (prompted when empty, or set EXAMCLIENT_PASSWORD)")
	return cmd
}

func runLogin(cmd *cobra.Command, _ []string) error {
	a, err := openApp(cmd)
	if err != nil {
		return err
	}
	defer a.Close()
	v := viperForCmd(cmd)

	in := bufio.NewReader(cmd.InOrStdin())
	email := v.GetString("email")
	if email == "" {
		email = prompt(a, in, "EmailPrompt")
	}
	password := v.GetString("password")
	if password == "" {
		password = prompt(a, in, "PasswordPrompt")
	}

	a.sess.Initialize(a.ctx)
	res := a.sess.Login(a.ctx, email, password)
	if !res.OK {
		reason := res.Message
		if reason == "" && res.Err != nil {
			reason = res.Err.Error()
		}
		a.printf("LoginFailed", map[string]any{"Reason": reason})
		return errReported
	}
	if res.Identity == nil {
		a.println("LoginIdentityPending")
		return nil
	}
	a.printf("LoginSuccess", map[string]any{"Email": res.Identity.Email})
	a.flushPending(a.ctx)
	return nil
}

func prompt(a *app, in *bufio.Reader, msgID string) string {
	fmt.Fprint(a.out, appI18n.T(a.ctx, msgID))
	line, _ := in.ReadString('\n')
	return strings.TrimSpace(line)
}

func logoutCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Forget the stored credential",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := openApp(cmd)
			if err != nil {
				return err
			}
			defer a.Close()
			a.sess.Logout()
			a.println("LoggedOut")
			return nil
		},
	}
}

func whoamiCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "whoami",
		Short: "Show the signed-in user",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := openApp(cmd)
			if err != nil {
				return err
			}
			defer a.Close()
			if err := a.requireAuth(a.ctx); err != nil {
				return err
			}
			id := a.sess.Identity()
			if id == nil {
				a.println("SessionDegraded")
				return errReported
			}
			a.printf("WhoAmI", map[string]any{"Email": id.Email, "Role": id.Role, "ID": id.ID})
			return nil
		},
	}
}

func registerCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "register",
		Short: "Create an account (admins can create admin accounts with --admin)",
		RunE:  runRegister,
	}
	f := cmd.Flags()
	f.String("email", "", "Account email")
	f.String("password", "", "Account password (min 6 characters)")
	f.String("full-name", "", "Full name")
	f.String("phone", "", "Phone number")
	f.String("date-of-birth", "", "Date of birth (YYYY-MM-DD)")
	f.Bool("admin", false, "Create an admin account (requires an admin session)")
	_ = cmd.MarkFlagRequired("email")
	_ = cmd.MarkFlagRequired("full-name")
	return cmd
}

func runRegister(cmd *cobra.Command, _ []string) error {
	a, err := openApp(cmd)
	if err != nil {
		return err
	}
	defer a.Close()
	v := viperForCmd(cmd)

	in := api.RegisterInput{
		Email:       v.GetString("email"),
		Password:    v.GetString("password"),
		FullName:    v.GetString("full-name"),
		PhoneNumber: v.GetString("phone"),
		DateOfBirth: v.GetString("date-of-birth"),
	}
	if in.Password == "" {
		in.Password = prompt(a, bufio.NewReader(cmd.InOrStdin()), "PasswordPrompt")
	}
	if v.GetBool("admin") {
		in.Role = model.RoleAdmin
		if err := a.requireAuth(a.ctx); err != nil {
			return err
		}
	}
	id, err := a.api.Register(a.ctx, in)
	if err != nil {
		return a.report(err)
	}
	a.printf("Registered", map[string]any{"Email": id.Email})
	return nil
}

func papersCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "papers",
		Short: "List available tests",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := openApp(cmd)
			if err != nil {
				return err
			}
			defer a.Close()
			if err := a.requireAuth(a.ctx); err != nil {
				return err
			}
			papers, err := a.api.TestPapers(a.ctx)
			if err != nil {
				return a.report(err)
			}
			if len(papers) == 0 {
				a.println("NoPapers")
				return nil
			}
			saved := map[int64]bool{}
			for _, id := range a.snaps.Saved() {
				saved[id] = true
			}
			a.println("PapersHeader")
			for _, p := range papers {
				var marks []string
				if !p.IsActive {
					marks = append(marks, appI18n.T(a.ctx, "InactiveMark"))
				}
				if saved[p.ID] {
					marks = append(marks, appI18n.T(a.ctx, "SavedAnswersMark"))
				}
				line := fmt.Sprintf("  %4d  %s (%s)", p.ID, p.Name, appI18n.Tp(a.ctx, "Minutes", p.DurationMinutes))
				if len(marks) > 0 {
					line += " [" + strings.Join(marks, ", ") + "]"
				}
				fmt.Fprintln(a.out, line)
			}
			return nil
		},
	}
}

func resultsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "results",
		Short: "List your submitted results",
		RunE:  runResults,
	}
	cmd.Flags().StringP("output", "o", "", "Also export results as JSON to this path (- for stdout)")
	return cmd
}

func runResults(cmd *cobra.Command, _ []string) error {
	a, err := openApp(cmd)
	if err != nil {
		return err
	}
	defer a.Close()
	if err := a.requireAuth(a.ctx); err != nil {
		return err
	}
	results, err := a.api.MyResults(a.ctx)
	if err != nil {
		return a.report(err)
	}

	outPath := viperForCmd(cmd).GetString("output")
	if outPath == "-" {
		return writeExport(os.Stdout, a.sess.Identity(), results)
	}
	printResults(a, results)
	if outPath == "" {
		return nil
	}
	f, err := os.Create(outPath)
	if err != nil {
		return fmt.Errorf("create output file: %w", err)
	}
	defer f.Close()
	return writeExport(f, a.sess.Identity(), results)
}

func printResults(a *app, results []model.ResultRecord) {
	if len(results) == 0 {
		a.println("NoResults")
		return
	}
	a.println("ResultsHeader")
	for _, r := range results {
		name := r.TestPaperName
		if name == "" {
			name = "#" + strconv.FormatInt(r.TestPaperID, 10)
		}
		score := formatScore(r.FinalScore)
		if r.MaxScore > 0 {
			score += fmt.Sprintf(" / %s (%.0f%%)", formatScore(r.MaxScore), model.Percent(r.FinalScore, r.MaxScore))
		}
		fmt.Fprintf(a.out, "  %s  %-30s %s\n", r.CreatedAt.Local().Format("2006-01-02 15:04"), name, score)
	}
}

func writeExport(w io.Writer, id *model.Identity, results []model.ResultRecord) error {
	export := model.ResultsExport{Count: len(results), Results: make([]model.ResultExport, 0, len(results))}
	if id != nil {
		export.Email, export.UserID = id.Email, id.ID
	}
	for _, r := range results {
		e := model.ResultExport{
			ID:            r.ID,
			TestPaperID:   r.TestPaperID,
			TestPaperName: r.TestPaperName,
			FinalScore:    r.FinalScore,
			MaxScore:      r.MaxScore,
			Percent:       model.Percent(r.FinalScore, r.MaxScore),
			Answered:      r.Answers.Answered(),
		}
		if !r.CreatedAt.IsZero() {
			e.SubmittedAt = r.CreatedAt.UTC().Format(time.RFC3339)
		}
		export.Results = append(export.Results, e)
	}

	data, err := json.MarshalIndent(export, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal JSON: %w", err)
	}
	if _, err := w.Write(data); err != nil {
		return fmt.Errorf("write output: %w", err)
	}
	// Ensure trailing newline.
	_, _ = fmt.Fprintln(w)
	return nil
}

func formatScore(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}
