package dice

import "go.uber.org/zap"

// Roller rolls expressions from one Source and logs every roll at debug level.
type Roller struct {
	src    Source
	logger *zap.Logger
}

// NewRoller creates a Roller.
//
// Precondition: src and logger must be non-nil.
func NewRoller(src Source, logger *zap.Logger) *Roller {
	return &Roller{src: src, logger: logger}
}

// Roll evaluates e.
func (r *Roller) Roll(e Expression) RollResult {
	res := e.Roll(r.src)
	r.logger.Debug("dice roll",
		zap.String("expression", res.Expression),
		zap.Ints("dice", res.Dice),
		zap.Int("modifier", res.Modifier),
		zap.Int("total", res.Total()),
	)
	return res
}

// RollExpr parses and evaluates expr.
func (r *Roller) RollExpr(expr string) (RollResult, error) {
	e, err := Parse(expr)
	if err != nil {
		return RollResult{}, err
	}
	return r.Roll(e), nil
}
