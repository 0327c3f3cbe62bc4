package main

import (
	"context"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/spf13/pflag"

	"github.com/danmuck/inkwell/internal/blog"
	"github.com/danmuck/inkwell/internal/protocol/session"
	"github.com/danmuck/inkwell/internal/store"
)

// identityFlags select a certificate by file or by fingerprint.
type identityFlags struct {
	certFile    string
	fingerprint string
}

func (f *identityFlags) add(fs *pflag.FlagSet) {
	fs.StringVar(&f.certFile, "cert", "", "PEM client certificate to fingerprint")
	fs.StringVar(&f.fingerprint, "fingerprint", "", "hex SHA-256 certificate fingerprint")
}

func (f *identityFlags) resolve() (string, error) {
	cert := strings.TrimSpace(f.certFile)
	fp := blog.NormalizeFingerprint(f.fingerprint)
	switch {
	case cert != "" && fp != "":
		return "", fmt.Errorf("--cert and --fingerprint are mutually exclusive")
	case cert != "":
		return session.FingerprintFile(cert)
	case fp != "":
		return fp, nil
	default:
		return "", fmt.Errorf("one of --cert or --fingerprint is required")
	}
}

func openAdminStore(common commonFlags) (*store.BoltRepository, error) {
	cfg, err := common.load()
	if err != nil {
		return nil, err
	}
	return store.OpenBolt(cfg.DBPath)
}

func authorAdd(args []string, out io.Writer) error {
	var (
		common commonFlags
		id     identityFlags
		name   string
		role   string
	)
	fs := pflag.NewFlagSet("inkwelld author add", pflag.ContinueOnError)
	common.add(fs)
	id.add(fs)
	fs.StringVar(&name, "name", "", "author display name")
	fs.StringVar(&role, "role", string(blog.RoleAuthor), "reader, author or admin")
	if err := fs.Parse(args); err != nil {
		return err
	}
	parsedRole, err := blog.ParseRole(role)
	if err != nil {
		return fmt.Errorf("%w: %q", err, role)
	}
	fp, err := id.resolve()
	if err != nil {
		return err
	}

	repo, err := openAdminStore(common)
	if err != nil {
		return err
	}
	defer repo.Close()
	author := blog.BlogAuthor{Fingerprint: fp, Name: strings.TrimSpace(name), Role: parsedRole}
	if err := repo.PutAuthor(context.Background(), author); err != nil {
		return err
	}
	fmt.Fprintf(out, "bound %s to %s (%s)\n", fp, author.Name, author.Role)
	return nil
}

func authorList(args []string, out io.Writer) error {
	var common commonFlags
	fs := pflag.NewFlagSet("inkwelld author list", pflag.ContinueOnError)
	common.add(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}
	repo, err := openAdminStore(common)
	if err != nil {
		return err
	}
	defer repo.Close()

	ctx := context.Background()
	authors, err := repo.ListAuthors(ctx)
	if err != nil {
		return err
	}
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "FINGERPRINT\tNAME\tROLE\tREVOKED")
	for _, a := range authors {
		revoked, err := repo.IsCertificateRevoked(ctx, a.Fingerprint)
		if err != nil {
			return err
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%t\n", a.Fingerprint, a.Name, a.Role, revoked)
	}
	return tw.Flush()
}

func revoke(args []string, out io.Writer) error {
	var (
		common commonFlags
		id     identityFlags
	)
	fs := pflag.NewFlagSet("inkwelld revoke", pflag.ContinueOnError)
	common.add(fs)
	id.add(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}
	fp, err := id.resolve()
	if err != nil {
		return err
	}
	repo, err := openAdminStore(common)
	if err != nil {
		return err
	}
	defer repo.Close()
	if err := repo.Revoke(context.Background(), fp); err != nil {
		return err
	}
	fmt.Fprintf(out, "revoked %s\n", fp)
	return nil
}

func fingerprint(args []string, out io.Writer) error {
	fs := pflag.NewFlagSet("inkwelld fingerprint", pflag.ContinueOnError)
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return fmt.Errorf("fingerprint: expected one certificate file")
	}
	fp, err := session.FingerprintFile(fs.Arg(0))
	if err != nil {
		return err
	}
	fmt.Fprintln(out, fp)
	return nil
}
