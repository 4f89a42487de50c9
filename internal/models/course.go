package models

// Course maps a selectable course label to its handbook file.
type Course struct {
	Name      string `yaml:"name" json:"name"`
	File      string `yaml:"file" json:"file"`
	SourceURL string `yaml:"source_url,omitempty" json:"source_url,omitempty"`
}

// Catalog is the fixed, ordered course lookup table. It is read-only after construction.
type Catalog struct {
	courses []Course
	byName  map[string]Course
	byFile  map[string]Course
}

func NewCatalog(courses []Course) *Catalog {
	c := &Catalog{
		courses: append([]Course(nil), courses...),
		byName:  make(map[string]Course, len(courses)),
		byFile:  make(map[string]Course, len(courses)),
	}
	for _, course := range courses {
		c.byName[course.Name] = course
		c.byFile[course.File] = course
	}
	return c
}

func (c *Catalog) Courses() []Course {
	return append([]Course(nil), c.courses...)
}

func (c *Catalog) Names() []string {
	names := make([]string, len(c.courses))
	for i, course := range c.courses {
		names[i] = course.Name
	}
	return names
}

func (c *Catalog) Has(name string) bool {
	_, ok := c.byName[name]
	return ok
}

// File returns the handbook filename for a course label.
func (c *Catalog) File(name string) (string, bool) {
	course, ok := c.byName[name]
	return course.File, ok
}

// CourseForFile is the reverse lookup used at ingestion time.
func (c *Catalog) CourseForFile(filename string) (Course, bool) {
	course, ok := c.byFile[filename]
	return course, ok
}
