package control

import (
	"errors"

	"github.com/pkgwatch/herald/db"
)

// lookupTeam fetches a team by slug, reporting the failure to the transcript.
func lookupTeam(rc *runContext, slug string, t *transcript) (*db.Team, error) {
	team, err := rc.svc.store.GetTeamBySlug(rc.ctx, slug)
	if err != nil {
		if errors.Is(err, db.ErrTeamNotFound) {
			t.errorf(`Team with the slug "%s" does not exist.`, slug)
			return nil, nil
		}
		return nil, err
	}
	return team, nil
}

func joinTeamCommand() *commandSpec {
	c := &commandSpec{
		name: "join-team",
		description: "join-team <team-slug> [<email>]\n" +
			"  Adds <email> to team with the slug given by <team-slug>. If\n" +
			"  <email> is not given, it adds the From address email to the team.\n" +
			"  If the team is not public or it does not exist, a warning is\n" +
			"  returned.",
		argNames:          []string{"team_slug", "email"},
		needsConfirmation: true,
	}
	c.patterns = compilePatterns(c.name, c.aliases, `\s+(?P<team_slug>\S+)(?:\s+(?P<email>\S+))?$`)

	// check runs the shared validation of both phases and returns the team
	// when joining can proceed.
	check := func(rc *runContext, args map[string]string, t *transcript) (*db.Team, error) {
		team, err := lookupTeam(rc, args["team_slug"], t)
		if team == nil || err != nil {
			return nil, err
		}
		if !team.IsPublic {
			t.errorf("The given team is not public. Please contact %s if you wish to join",
				team.OwnerEmail)
			return nil, nil
		}
		member, err := rc.svc.store.IsTeamMember(rc.ctx, args["team_slug"], args["email"])
		if err != nil {
			return nil, err
		}
		if member {
			t.warnf("You are already a member of the team.")
			return nil, nil
		}
		return team, nil
	}

	c.preConfirm = func(rc *runContext, args map[string]string, t *transcript) (bool, error) {
		team, err := check(rc, args, t)
		if team == nil || err != nil {
			return false, err
		}
		t.replyf("A confirmation mail has been sent to %s", args["email"])
		return true, nil
	}
	c.run = func(rc *runContext, args map[string]string, t *transcript) error {
		team, err := check(rc, args, t)
		if team == nil || err != nil {
			return err
		}
		if _, err := rc.svc.store.AddTeamMember(rc.ctx, args["team_slug"], args["email"], false); err != nil {
			if errors.Is(err, db.ErrDuplicateMembership) {
				t.warnf("You are already a member of the team.")
				return nil
			}
			return err
		}
		t.replyf(`You have successfully joined the team "%s"`, team.Name)
		return nil
	}
	c.confirmationNote = func(args map[string]string) string {
		return `This will make you a member of the team "` + args["team_slug"] + `".`
	}
	return c
}

func leaveTeamCommand() *commandSpec {
	c := &commandSpec{
		name: "leave-team",
		description: "leave-team <team-slug> [<email>]\n" +
			"  Removes <email> from the team with the slug given by <team-slug>. If\n" +
			"  <email> is not given, it uses the From address email.\n" +
			"  If the user is not a member of the team, a warning is returned.",
		argNames:          []string{"team_slug", "email"},
		needsConfirmation: true,
	}
	c.patterns = compilePatterns(c.name, c.aliases, `\s+(?P<team_slug>\S+)(?:\s+(?P<email>\S+))?$`)

	check := func(rc *runContext, args map[string]string, t *transcript) (*db.Team, error) {
		team, err := lookupTeam(rc, args["team_slug"], t)
		if team == nil || err != nil {
			return nil, err
		}
		member, err := rc.svc.store.IsTeamMember(rc.ctx, args["team_slug"], args["email"])
		if err != nil {
			return nil, err
		}
		if !member {
			t.warnf("You are not a member of the team.")
			return nil, nil
		}
		return team, nil
	}

	c.preConfirm = func(rc *runContext, args map[string]string, t *transcript) (bool, error) {
		team, err := check(rc, args, t)
		if team == nil || err != nil {
			return false, err
		}
		t.replyf("A confirmation mail has been sent to %s", args["email"])
		return true, nil
	}
	c.run = func(rc *runContext, args map[string]string, t *transcript) error {
		team, err := check(rc, args, t)
		if team == nil || err != nil {
			return err
		}
		if err := rc.svc.store.RemoveTeamMember(rc.ctx, args["team_slug"], args["email"]); err != nil {
			return err
		}
		t.replyf(`You have successfully left the team "%s" (slug: %s)`, team.Name, team.Slug)
		return nil
	}
	c.confirmationNote = func(args map[string]string) string {
		return `This will remove you from the team "` + args["team_slug"] + `".`
	}
	return c
}

func listTeamPackagesCommand() *commandSpec {
	c := &commandSpec{
		name: "list-team-packages",
		description: "list-team-packages <team-slug>\n" +
			"  Lists all packages of the team with the slug given by <team-slug>.\n" +
			"  If the team is private, the packages are returned only if the From email\n" +
			"  is a member of the team.",
		argNames: []string{"team_slug"},
	}
	c.patterns = compilePatterns(c.name, c.aliases, `\s+(?P<team_slug>\S+)$`)

	c.run = func(rc *runContext, args map[string]string, t *transcript) error {
		team, err := lookupTeam(rc, args["team_slug"], t)
		if team == nil || err != nil {
			return err
		}
		if !team.IsPublic {
			member, err := rc.svc.store.IsTeamMember(rc.ctx, args["team_slug"], rc.sender)
			if err != nil {
				return err
			}
			if !member {
				t.errorf("The team is private. Only team members can see its packages.")
				return nil
			}
		}

		packages, err := rc.svc.store.GetTeamPackages(rc.ctx, args["team_slug"])
		if err != nil {
			return err
		}
		t.replyf("Packages found in team %s:", team.Name)
		t.list(packages)
		return nil
	}
	return c
}

func whichTeamsCommand() *commandSpec {
	c := &commandSpec{
		name: "which-teams",
		description: "which-teams [<email>]\n" +
			"  Lists all teams that <email> is a member of. If <email> is not given, the\n" +
			"  sender's email is used.",
	}
	c.patterns = compilePatterns(c.name, c.aliases, `(?:\s+(?P<email>\S+))?$`)

	c.run = func(rc *runContext, args map[string]string, t *transcript) error {
		email := args["email"]
		teams, err := rc.svc.store.GetTeamsForEmail(rc.ctx, email)
		if err != nil {
			return err
		}
		if len(teams) == 0 {
			t.warnf("%s is not a member of any team.", email)
			return nil
		}
		t.replyf("Teams that %s is a member of:", email)
		slugs := make([]string, 0, len(teams))
		for _, team := range teams {
			slugs = append(slugs, team.Slug)
		}
		t.list(slugs)
		return nil
	}
	return c
}
