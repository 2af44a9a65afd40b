package classify

import "strconv"

// googleFitActivities maps Google Fit numeric activity ids to their names
var googleFitActivities = map[int]string{
	0:   "in_vehicle",
	1:   "biking",
	2:   "on_foot",
	3:   "still",
	4:   "unknown",
	5:   "tilting",
	7:   "walking",
	8:   "running",
	9:   "aerobics",
	10:  "badminton",
	11:  "baseball",
	12:  "basketball",
	13:  "biathlon",
	14:  "handbiking",
	15:  "biking.mountain",
	16:  "biking.road",
	17:  "biking.spinning",
	18:  "biking.stationary",
	19:  "biking.utility",
	20:  "boxing",
	21:  "calisthenics",
	22:  "circuit_training",
	23:  "cricket",
	24:  "dancing",
	25:  "elliptical",
	26:  "fencing",
	27:  "football.american",
	28:  "football.australian",
	29:  "football.soccer",
	30:  "frisbee_disc",
	31:  "gardening",
	32:  "golf",
	33:  "gymnastics",
	34:  "handball",
	35:  "hiking",
	36:  "hockey",
	37:  "horseback_riding",
	38:  "housework",
	39:  "jumping_rope",
	40:  "kayaking",
	41:  "kettlebell_training",
	42:  "kickboxing",
	43:  "kitesurfing",
	44:  "martial_arts",
	45:  "meditation",
	46:  "mixed_martial_arts",
	47:  "p90x",
	48:  "paragliding",
	49:  "pilates",
	50:  "polo",
	51:  "racquetball",
	52:  "rock_climbing",
	53:  "rowing",
	54:  "rowing.machine",
	55:  "rugby",
	56:  "running.jogging",
	57:  "running.sand",
	58:  "running.treadmill",
	59:  "sailing",
	60:  "scuba_diving",
	61:  "skateboarding",
	62:  "skating",
	63:  "skating.cross",
	64:  "skating.inline",
	65:  "skiing",
	66:  "skiing.back_country",
	67:  "skiing.cross_country",
	68:  "skiing.downhill",
	69:  "skiing.kite",
	70:  "skiing.roller",
	71:  "sledding",
	72:  "sleep",
	73:  "snowboarding",
	74:  "snowmobile",
	75:  "snowshoeing",
	76:  "squash",
	77:  "stair_climbing",
	78:  "stair_climbing.machine",
	79:  "standup_paddleboarding",
	80:  "strength_training",
	81:  "surfing",
	82:  "swimming",
	83:  "swimming.pool",
	84:  "swimming.open_water",
	85:  "table_tennis",
	86:  "team_sports",
	87:  "tennis",
	88:  "treadmill",
	89:  "volleyball",
	90:  "volleyball.beach",
	91:  "volleyball.indoor",
	92:  "wakeboarding",
	93:  "walking.fitness",
	94:  "walking.nordic",
	95:  "walking.treadmill",
	96:  "water_polo",
	97:  "weightlifting",
	98:  "wheelchair",
	99:  "windsurfing",
	100: "yoga",
	101: "zumba",
	102: "diving",
	103: "ergometer",
	104: "ice_skating",
	105: "indoor_skating",
	106: "curling",
	108: "other",
	113: "crossfit",
	114: "hiit",
	115: "interval_training",
	116: "walking.stroller",
	117: "elevator",
	118: "escalator",
	119: "archery",
	120: "softball",
	122: "guided_breathing",
}

// ActivityName returns the Google Fit name for a numeric activity id. Ids
// that are not known come back as their decimal string so they still fail
// the allow-list.
func ActivityName(id int) string {
	if name, ok := googleFitActivities[id]; ok {
		return name
	}
	return strconv.Itoa(id)
}

// NormalizeActivityType maps a numeric id given as a string onto its name
// and leaves anything else untouched.
func NormalizeActivityType(s string) string {
	if id, err := strconv.Atoi(s); err == nil {
		return ActivityName(id)
	}
	return s
}
