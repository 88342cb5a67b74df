// Package enroll implements the enrollment API from spec.md §6: given a
// user id and a batch of raw trials, it runs Components B-D (the caller
// supplies already-loaded trials, so loading itself is the caller's
// concern) through preprocessing, windowing, and encoding, clusters the
// resulting embeddings into prototypes (Component F), and persists them.
//
// Enroll holds no scoring logic of its own — it is a thin pipeline
// orchestrator, the same role internal/verify plays for the read path
// (SPEC_FULL.md §4.J).
package enroll

import (
	"fmt"
	"math/rand"

	"neuroauth/internal/encoder"
	"neuroauth/internal/model"
	"neuroauth/internal/preprocess"
	"neuroauth/internal/prototype"
	"neuroauth/internal/store"
	"neuroauth/internal/window"
)

// Config holds the pipeline parameters enrollment runs with. These mirror
// the same Pipeline knobs Component I serves against, since a model
// bundle's Arch must agree with what produced its prototypes.
type Config struct {
	Preprocess preprocess.Config
	Window     window.Config
	Prototype  prototype.Config
}

// Enroller builds and persists a user's prototype set from raw trials.
type Enroller struct {
	enc   *encoder.Encoder
	store *store.Store
	cfg   Config
}

// New returns an Enroller that encodes windows with enc and persists
// results to st.
func New(enc *encoder.Encoder, st *store.Store, cfg Config) *Enroller {
	return &Enroller{enc: enc, store: st, cfg: cfg}
}

// Enroll processes every trial in trials for userID, builds a prototype
// set via cosine k-means clustering, and overwrites any existing prototype
// set for that user — enrollment is idempotent, matching spec.md §6's
// "re-enrollment replaces" rule. rng must be supplied by the caller so a
// given enrollment run is reproducible.
func (e *Enroller) Enroll(userID string, trials []*model.Trial, rng *rand.Rand) (model.PrototypeSet, error) {
	const op = "enroll.Enroll"
	if len(trials) == 0 {
		return model.PrototypeSet{}, model.NewError(op, model.ErrKindEmptyTrial, fmt.Errorf("no trials for user %q", userID))
	}

	var embeddings []model.Embedding
	for i, t := range trials {
		processed, err := preprocess.Process(t, e.cfg.Preprocess)
		if err != nil {
			return model.PrototypeSet{}, fmt.Errorf("%s: trial %d: %w", op, i, err)
		}
		windows, err := window.Windows(processed, e.cfg.Window)
		if err != nil {
			return model.PrototypeSet{}, fmt.Errorf("%s: trial %d: %w", op, i, err)
		}
		for wi := range windows {
			emb, err := e.enc.Encode(&windows[wi])
			if err != nil {
				return model.PrototypeSet{}, fmt.Errorf("%s: trial %d window %d: %w", op, i, wi, err)
			}
			embeddings = append(embeddings, emb)
		}
	}

	if len(embeddings) == 0 {
		return model.PrototypeSet{}, model.NewError(op, model.ErrKindProbeTooShort, fmt.Errorf("no windows produced for user %q", userID))
	}

	set, err := prototype.Build(userID, embeddings, e.cfg.Prototype, rng)
	if err != nil {
		return model.PrototypeSet{}, fmt.Errorf("%s: %w", op, err)
	}

	if err := e.store.PutPrototypeSet(set); err != nil {
		return model.PrototypeSet{}, fmt.Errorf("%s: persist: %w", op, err)
	}
	return set, nil
}
