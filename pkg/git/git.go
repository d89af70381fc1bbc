// Copyright (C) 2023 the Mica project authors.
//
// This library is free software; you can redistribute it and/or
// modify it under the terms of the GNU Lesser General Public
// License as published by the Free Software Foundation; version
// 2.1 only.
//
// This library is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the GNU
// Lesser General Public License for more details.
//
// The license can be found in the file `LICENSE` in the top level
// directory of this repository.

package git

import (
	"context"
	"path/filepath"

	gogit "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
)

type CloneOptions struct {
	URL string
	// Order of preference: hash > tag.
	Hash         string
	Tag          string
	SingleBranch bool
	Depth        int
}

// Clone clones the repository with the given [options] into [dir].
// Returns the checked out hash.
func Clone(ctx context.Context, dir string, options CloneOptions) (string, error) {
	url := options.URL
	if !filepath.IsAbs(url) {
		url = "https://" + url
	}
	gogitOptions := &gogit.CloneOptions{
		URL:          url,
		SingleBranch: options.SingleBranch,
		Depth:        options.Depth,
	}
	if options.Tag != "" {
		gogitOptions.ReferenceName = plumbing.NewTagReferenceName(options.Tag)
	}

	repository, err := gogit.PlainCloneContext(ctx, dir, false, gogitOptions)
	if err != nil && (gogit.NoMatchingRefSpecError{}).Is(err) && options.Hash != "" {
		// The tag doesn't exist, but we have a hash we can try to find directly.
		gogitOptions.Depth = 0
		gogitOptions.ReferenceName = ""
		gogitOptions.NoCheckout = true
		gogitOptions.SingleBranch = false
		repository, err = gogit.PlainCloneContext(ctx, dir, false, gogitOptions)
	}
	if err != nil {
		return "", err
	}

	head, err := repository.Head()
	if err != nil {
		return "", err
	}
	downloadedHash := head.Hash().String()
	if options.Hash != "" && downloadedHash != options.Hash {
		w, err := repository.Worktree()
		if err != nil {
			return "", err
		}
		err = w.Checkout(&gogit.CheckoutOptions{
			Hash: plumbing.NewHash(options.Hash),
		})
		if err != nil {
			return "", err
		}
		downloadedHash = options.Hash
	}
	return downloadedHash, nil
}

// Pull updates the checkout at [path] to the latest upstream state.
func Pull(path string) error {
	repository, err := gogit.PlainOpen(path)
	if err != nil {
		return err
	}
	wt, err := repository.Worktree()
	if err != nil {
		return err
	}

	err = wt.Pull(&gogit.PullOptions{
		Force: true,
	})
	if err != nil && err != gogit.NoErrAlreadyUpToDate {
		return err
	}
	return nil
}
