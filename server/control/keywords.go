package control

import (
	"errors"
	"regexp"
	"sort"

	"github.com/pkgwatch/herald/db"
)

var keywordListSplitRe = regexp.MustCompile(`[,\s]+`)

// keywordCommandAliases are shared by all four keyword commands; the
// distinction between them is made by the shape of the arguments alone.
var keywordCommandAliases = []string{"keyword", "keywords", "tag", "tags"}

func splitKeywordNames(value string) []string {
	return keywordListSplitRe.Split(value, -1)
}

// reportSubscriptionLookup translates the store errors of a subscription
// keyword lookup into reply lines. It reports whether the caller should
// continue.
func reportSubscriptionLookup(err error, pkg, email string, t *transcript) (bool, error) {
	if err == nil {
		return true, nil
	}
	switch {
	case errors.Is(err, db.ErrEmailNotFound), errors.Is(err, db.ErrSubscriptionNotFound):
		t.errorf("%s is not subscribed to the package %s", email, pkg)
		return false, nil
	case errors.Is(err, db.ErrPackageNotFound):
		t.errorf("Package %s does not exist", pkg)
		return false, nil
	}
	return false, err
}

func viewDefaultKeywordsCommand() *commandSpec {
	c := &commandSpec{
		name:    "view-default-keywords",
		aliases: keywordCommandAliases,
		description: "keyword [<email>]\n" +
			"  Tells you the keywords you are accepting by default for packages\n" +
			"  with no specific keywords set.\n" +
			"\n" +
			"  Each mail sent through the package tracker is associated\n" +
			"  to a keyword and you receive only the mails associated to keywords\n" +
			"  you are accepting.\n" +
			"  You may select a different set of keywords for each package.",
		argNames: []string{"email"},
	}
	c.patterns = compilePatterns(c.name, c.aliases, `(?:\s+(?P<email>\S+@\S+))?$`)

	c.run = func(rc *runContext, args map[string]string, t *transcript) error {
		email := args["email"]
		ue, err := rc.svc.store.GetOrCreateUserEmail(rc.ctx, email)
		if err != nil {
			return err
		}
		keywords, err := rc.svc.store.EffectiveDefaultKeywords(rc.ctx, ue)
		if err != nil {
			return err
		}
		sort.Strings(keywords)
		t.replyf("Here's the default list of accepted keywords for %s:", email)
		t.list(keywords)
		return nil
	}
	return c
}

func viewPackageKeywordsCommand() *commandSpec {
	c := &commandSpec{
		name:    "view-package-keywords",
		aliases: keywordCommandAliases,
		description: "keyword <srcpackage> [<email>]\n" +
			"  Tells you the keywords you are accepting for the given package.\n" +
			"\n" +
			"  Each mail sent through the package tracker is associated\n" +
			"  to a keyword and you receive only the mails associated to keywords\n" +
			"  you are accepting.\n" +
			"  You may select a different set of keywords for each package.",
		argNames: []string{"package", "email"},
	}
	c.patterns = compilePatterns(c.name, c.aliases, `\s+(?P<package>\S+)(?:\s+(?P<email>\S+@\S+))?$`)

	c.run = func(rc *runContext, args map[string]string, t *transcript) error {
		pkg, email := args["package"], args["email"]
		keywords, err := rc.svc.store.GetSubscriptionKeywords(rc.ctx, pkg, email)
		ok, err := reportSubscriptionLookup(err, pkg, email, t)
		if !ok {
			return err
		}
		sort.Strings(keywords)
		t.replyf("Here's the list of accepted keywords associated to package")
		t.replyf("%s for %s", pkg, email)
		t.list(keywords)
		return nil
	}
	return c
}

func setDefaultKeywordsCommand() *commandSpec {
	c := &commandSpec{
		name:    "set-default-keywords",
		aliases: keywordCommandAliases,
		description: "keyword [<email>] {+|-|=} <list of keywords>\n" +
			"  Accept (+) or refuse (-) mails associated to the given keyword(s).\n" +
			"  Define the list (=) of accepted keywords.\n" +
			"  These keywords are applied for subscriptions where no specific\n" +
			"  keyword set is given.",
		argNames: []string{"email", "operation", "keywords"},
	}
	c.patterns = compilePatterns(c.name, c.aliases,
		`(?:\s+(?P<email>\S+@\S+))?\s+(?P<operation>[-+=])\s+(?P<keywords>\S+(?:\s+\S+)*)$`)

	c.run = func(rc *runContext, args map[string]string, t *transcript) error {
		email := args["email"]
		names := splitKeywordNames(args["keywords"])
		updated, unknown, err := rc.svc.store.UpdateDefaultKeywords(rc.ctx, email, args["operation"], names)
		if err != nil {
			return err
		}
		for _, name := range unknown {
			t.warnf("%s is not a valid keyword", name)
		}
		sort.Strings(updated)
		t.replyf("Here's the new default list of accepted keywords for %s :", email)
		t.list(updated)
		return nil
	}
	return c
}

func setPackageKeywordsCommand() *commandSpec {
	c := &commandSpec{
		name:    "set-package-keywords",
		aliases: keywordCommandAliases,
		description: "keyword <srcpackage> [<email>] {+|-|=} <list of keywords>\n" +
			"  Accept (+) or refuse (-) mails associated to the given keyword(s) for the\n" +
			"  given package.\n" +
			"  Define the list (=) of accepted keywords.\n" +
			"  These keywords take precedence over default keywords.",
		argNames: []string{"package", "email", "operation", "keywords"},
	}
	c.patterns = compilePatterns(c.name, c.aliases,
		`\s+(?P<package>\S+)(?:\s+(?P<email>\S+@\S+))?\s+(?P<operation>[-+=])\s+(?P<keywords>\S+(?:\s+\S+)*)$`)

	c.run = func(rc *runContext, args map[string]string, t *transcript) error {
		pkg, email := args["package"], args["email"]
		names := splitKeywordNames(args["keywords"])
		updated, unknown, err := rc.svc.store.UpdateSubscriptionKeywords(rc.ctx, pkg, email, args["operation"], names)
		ok, err := reportSubscriptionLookup(err, pkg, email, t)
		if !ok {
			return err
		}
		for _, name := range unknown {
			t.warnf("%s is not a valid keyword", name)
		}
		sort.Strings(updated)
		t.replyf("Here's the new list of accepted keywords associated to package")
		t.replyf("%s for %s :", pkg, email)
		t.list(updated)
		return nil
	}
	return c
}
