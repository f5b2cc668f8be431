package cmd

import (
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/jrsteele09/go-learn-session/guard"
	"github.com/jrsteele09/go-learn-session/httpclient"
	"github.com/jrsteele09/go-learn-session/users"
	"github.com/pterm/pterm"
	"github.com/spf13/cobra"
)

type course struct {
	ID      string `json:"id"`
	Title   string `json:"title"`
	Teacher string `json:"teacher"`
	Lessons int    `json:"lessons"`
}

type lesson struct {
	ID       string    `json:"id"`
	CourseID string    `json:"course_id"`
	Title    string    `json:"title"`
	Body     string    `json:"body"`
	Created  time.Time `json:"created"`
}

var coursesCmd = &cobra.Command{
	Use:   "courses",
	Short: "Browse enrolled courses",
}

var coursesListCmd = &cobra.Command{
	Use:   "list",
	Short: "List your courses",
	RunE: func(cmd *cobra.Command, args []string) error {
		a := mustApp(cmd.Context())
		if err := a.require(guard.Student(a.session), "courses"); err != nil {
			return err
		}

		resp, err := a.client.Get(cmd.Context(), "/courses")
		if err != nil {
			return fmt.Errorf("failed to list courses: %w", err)
		}
		var courses []course
		if err := resp.Decode(&courses); err != nil {
			return err
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tTITLE\tTEACHER\tLESSONS")
		for _, c := range courses {
			fmt.Fprintf(w, "%s\t%s\t%s\t%d\n", c.ID, c.Title, c.Teacher, c.Lessons)
		}
		w.Flush()
		return nil
	},
}

var (
	lessonCourseID string
	lessonTopic    string
)

var lessonsCmd = &cobra.Command{
	Use:   "lessons",
	Short: "Author lessons",
}

var lessonsGenerateCmd = &cobra.Command{
	Use:   "generate",
	Short: "Generate a lesson draft with the AI assistant",
	Long: `Asks the AI lesson generator for a draft. Generation can take minutes,
so this call uses the long request timeout (client.long_request_timeout).`,
	RunE: func(cmd *cobra.Command, args []string) error {
		a := mustApp(cmd.Context())
		if err := a.require(guard.Teacher(a.session), "lesson generation"); err != nil {
			return err
		}

		spinner, _ := pterm.DefaultSpinner.Start("Generating lesson on " + lessonTopic)
		resp, err := a.client.Post(cmd.Context(), "/ai/lessons",
			map[string]string{"course_id": lessonCourseID, "topic": lessonTopic},
			httpclient.WithTimeout(a.cfg.GetLongRequestTimeout()),
		)
		if err != nil {
			if spinner != nil {
				spinner.Fail("Generation failed")
			}
			return fmt.Errorf("failed to generate lesson: %w", err)
		}
		var l lesson
		if err := resp.Decode(&l); err != nil {
			return err
		}
		if spinner != nil {
			spinner.Success("Lesson drafted")
		}

		pterm.DefaultSection.Println(l.Title)
		pterm.Info.Printf("Lesson %s for course %s\n", l.ID, l.CourseID)
		fmt.Println(l.Body)
		return nil
	},
}

var (
	usersOffset int
	usersLimit  int
)

var adminCmd = &cobra.Command{
	Use:   "admin",
	Short: "Administer the platform",
}

var adminUsersCmd = &cobra.Command{
	Use:   "users",
	Short: "List user accounts",
	RunE: func(cmd *cobra.Command, args []string) error {
		a := mustApp(cmd.Context())
		if err := a.require(guard.Admin(a.session), "user administration"); err != nil {
			return err
		}

		q := url.Values{"offset": {strconv.Itoa(usersOffset)}, "limit": {strconv.Itoa(usersLimit)}}
		resp, err := a.client.Request(cmd.Context(), http.MethodGet, "/admin/users?"+q.Encode(), nil)
		if err != nil {
			return fmt.Errorf("failed to list users: %w", err)
		}
		var profiles []users.Profile
		if err := resp.Decode(&profiles); err != nil {
			return err
		}

		table := pterm.TableData{{"ID", "NAME", "EMAIL", "ROLE"}}
		for _, p := range profiles {
			table = append(table, []string{p.ID, p.DisplayName(), p.Email, string(p.DerivedRole())})
		}
		return pterm.DefaultTable.WithHasHeader().WithData(table).Render()
	},
}

func init() {
	coursesCmd.AddCommand(coursesListCmd)

	lessonsGenerateCmd.Flags().StringVar(&lessonCourseID, "course", "", "Course ID the lesson belongs to")
	lessonsGenerateCmd.Flags().StringVar(&lessonTopic, "topic", "", "Lesson topic")
	_ = lessonsGenerateCmd.MarkFlagRequired("topic")
	lessonsCmd.AddCommand(lessonsGenerateCmd)

	adminUsersCmd.Flags().IntVar(&usersOffset, "offset", 0, "Number of users to skip")
	adminUsersCmd.Flags().IntVar(&usersLimit, "limit", 50, "Maximum number of users to list")
	adminCmd.AddCommand(adminUsersCmd)
}
